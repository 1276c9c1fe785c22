// Package workflow drives a full provisioning run for one device: fetch its
// intended data, stage the config on the transfer server, take over the
// console, verify the device's identity, push and apply the config, and spot
// check the result. Every run is journaled.
package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldops/ztpd/pkg/console"
	"github.com/fieldops/ztpd/pkg/inventory"
	"github.com/fieldops/ztpd/pkg/journal"
	"github.com/fieldops/ztpd/pkg/staging"
	"github.com/fieldops/ztpd/pkg/verify"
)

// ConsoleSession is the slice of a console session the workflow drives.
// *console.Session satisfies it.
type ConsoleSession interface {
	RunCommand(command string, opts console.RunOptions) (string, error)
	EnsurePrivileged(enablePassword string) error
	Interrupt() error
	Close() error
}

// ConsoleOpener produces a ready console session for a device port.
type ConsoleOpener interface {
	Open(ctx context.Context, consolePort int) (ConsoleSession, error)
}

// Options carries the per-run parameters.
type Options struct {
	Device      string
	ConsolePort int

	StagingDir  string
	FTPServer   string
	FTPUser     string
	FTPPassword string

	EnablePassword string

	CommandTimeout time.Duration
	CopyTimeout    time.Duration
	ApplyTimeout   time.Duration
	SettleDelay    time.Duration

	// DryRun stops after fetching and inspecting the device data; nothing
	// is staged and no console is touched.
	DryRun bool
}

func (o Options) withDefaults() Options {
	if o.StagingDir == "" {
		o.StagingDir = "/srv/ftp"
	}
	if o.CopyTimeout == 0 {
		o.CopyTimeout = 300 * time.Second
	}
	if o.ApplyTimeout == 0 {
		o.ApplyTimeout = 600 * time.Second
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = 10 * time.Second
	}
	return o
}

// Workflow holds the run's collaborators.
type Workflow struct {
	Inventory inventory.Source
	Staging   staging.Dialer
	Console   ConsoleOpener
	Journal   *journal.Store
	Logger    *slog.Logger
	Opts      Options
}

func (w *Workflow) log() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// runContext is the mutable state threaded through one run's steps.
type runContext struct {
	run *journal.Run

	expectedSerial string
	actualSerial   string
	config         string
	markers        []verify.Marker
	missing        []verify.Marker

	transport  staging.Transport
	stagedPath string
	staged     bool

	session ConsoleSession

	closeOnce sync.Once
	started   time.Time
}

// Outcome summarizes a finished run.
type Outcome struct {
	Run            *journal.Run
	ActualSerial   string
	MarkersChecked int
	Duration       time.Duration
}

type step struct {
	name string
	fn   func(context.Context, *runContext) *ProvisionError
}

// Run executes the full pipeline for the configured device. On failure the
// journal records the failure class, staged files are removed if staging had
// happened, and all sessions are closed.
func (w *Workflow) Run(ctx context.Context) (*Outcome, error) {
	opts := w.Opts.withDefaults()
	w.Opts = opts
	log := w.log()

	rc := &runContext{
		run: &journal.Run{
			Device:      opts.Device,
			ConsolePort: opts.ConsolePort,
			State:       journal.StateInitialized,
		},
		started: time.Now(),
	}
	if err := w.Journal.Create(rc.run); err != nil {
		return nil, err
	}

	log.Info("provision_start", "device", opts.Device, "console_port", opts.ConsolePort, "run_id", rc.run.ID)

	steps := []step{
		{"fetch_data", w.stepFetchData},
		{"stage_config", w.stepStageConfig},
		{"open_console", w.stepOpenConsole},
		{"verify_identity", w.stepVerifyIdentity},
		{"copy_to_flash", w.stepCopyToFlash},
		{"apply_config", w.stepApplyConfig},
		{"verify_config", w.stepVerifyConfig},
	}

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			perr := failure(FailureConnectivity, "run cancelled", err)
			w.fail(rc, perr)
			return nil, perr
		}
		if perr := s.fn(ctx, rc); perr != nil {
			log.Error("provision_step_failed",
				"device", opts.Device,
				"step", s.name,
				"failure_class", perr.Class,
				"error", console.RedactCredentials(perr.Error()),
			)
			w.fail(rc, perr)
			return nil, perr
		}
		if opts.DryRun && s.name == "fetch_data" {
			log.Info("provision_dry_run_stop",
				"device", opts.Device,
				"expected_serial", rc.expectedSerial,
				"config_bytes", len(rc.config),
				"markers", len(rc.markers),
			)
			// The run stops at config_ready; nothing was staged or applied,
			// so it is not recorded as completed.
			return &Outcome{
				Run:            rc.run,
				MarkersChecked: len(rc.markers),
				Duration:       time.Since(rc.started),
			}, nil
		}
	}

	return w.finish(rc)
}

func (w *Workflow) finish(rc *runContext) (*Outcome, error) {
	w.cleanupStaged(rc)
	w.closeSessions(rc)

	rc.run.State = journal.StateCompleted
	rc.run.ActualSerial = rc.actualSerial
	if err := w.Journal.Update(rc.run); err != nil {
		w.log().Error("journal_update_failed", "run_id", rc.run.ID, "error", err)
	}

	duration := time.Since(rc.started)
	w.log().Info("provision_complete",
		"device", w.Opts.Device,
		"run_id", rc.run.ID,
		"serial", rc.actualSerial,
		"markers_checked", len(rc.markers),
		"duration", duration.Round(time.Second),
	)
	return &Outcome{
		Run:            rc.run,
		ActualSerial:   rc.actualSerial,
		MarkersChecked: len(rc.markers),
		Duration:       duration,
	}, nil
}

// fail records the failure, removes the staged file when one was placed, and
// tears the sessions down.
func (w *Workflow) fail(rc *runContext, perr *ProvisionError) {
	rc.run.ActualSerial = rc.actualSerial
	rc.run.FailureClass = string(perr.Class)
	rc.run.ErrorMessage = console.RedactCredentials(perr.Error())

	w.cleanupStaged(rc)
	w.closeSessions(rc)

	// Persist what the run learned before marking it failed; the serial and
	// staged path are what an operator needs to diagnose the failure.
	if err := w.Journal.Update(rc.run); err != nil {
		w.log().Error("journal_update_failed", "run_id", rc.run.ID, "error", err)
	}
	if err := w.Journal.Fail(rc.run.ID, string(perr.Class), rc.run.ErrorMessage); err != nil {
		w.log().Error("journal_fail_failed", "run_id", rc.run.ID, "error", err)
	}
	rc.run.State = journal.StateFailed
}

// cleanupStaged removes the staged config iff the run got far enough to
// stage one. A run that failed before staging has nothing to remove.
func (w *Workflow) cleanupStaged(rc *runContext) {
	if !rc.staged || rc.transport == nil {
		return
	}
	if journal.StateIndex(rc.run.State) < journal.StateIndex(journal.StateStaged) &&
		rc.run.State != journal.StateFailed {
		return
	}
	if err := rc.transport.Remove(rc.stagedPath); err != nil {
		w.log().Warn("staged_file_cleanup_failed", "path", rc.stagedPath, "error", err)
		return
	}
	w.log().Info("staged_file_removed", "path", rc.stagedPath)
	rc.staged = false
}

func (w *Workflow) closeSessions(rc *runContext) {
	rc.closeOnce.Do(func() {
		if rc.session != nil {
			// Break out of any command still waiting for input before
			// detaching, so the next session finds a clean prompt.
			if err := rc.session.Interrupt(); err != nil {
				w.log().Warn("console_interrupt_failed", "error", err)
			}
			if err := rc.session.Close(); err != nil {
				w.log().Warn("console_close_failed", "error", err)
			}
		}
		if rc.transport != nil {
			if err := rc.transport.Close(); err != nil {
				w.log().Warn("staging_close_failed", "error", err)
			}
		}
	})
}

func (w *Workflow) setState(rc *runContext, state string) *ProvisionError {
	rc.run.State = state
	if err := w.Journal.UpdateState(rc.run.ID, state); err != nil {
		w.log().Error("journal_state_failed", "run_id", rc.run.ID, "state", state, "error", err)
	}
	return nil
}
