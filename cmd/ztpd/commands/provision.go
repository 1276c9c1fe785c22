package commands

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/fieldops/ztpd/internal/config"
	"github.com/fieldops/ztpd/pkg/console"
	"github.com/fieldops/ztpd/pkg/errors"
	"github.com/fieldops/ztpd/pkg/journal"
	"github.com/fieldops/ztpd/pkg/workflow"
)

var provisionDryRun bool

var provisionCmd = &cobra.Command{
	Use:   "provision <device> <console-port>",
	Short: "Provision a device through its serial console",
	Args:  cobra.ExactArgs(2),
	RunE:  runProvision,
}

func init() {
	rootCmd.AddCommand(provisionCmd)
	provisionCmd.Flags().BoolVar(&provisionDryRun, "dry-run", false, "Fetch and inspect device data without touching the device")
}

// consoleOpener adapts the concrete SSH opener to the workflow interface.
type consoleOpener struct {
	opener *console.Opener
}

func (o *consoleOpener) Open(ctx context.Context, consolePort int) (workflow.ConsoleSession, error) {
	return o.opener.Open(ctx, consolePort)
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	device := args[0]
	consolePort, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.Wrap(err, "console port must be a number")
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}
	if err := ensureDirectories(cfg.JournalPath, cfg.FSMDBPath); err != nil {
		return err
	}

	store, err := journal.NewStore(cfg.JournalPath)
	if err != nil {
		return errors.Wrap(err, "journal init failed")
	}
	defer store.Close()

	source, err := newInventorySource(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "inventory init failed")
	}

	wf := &workflow.Workflow{
		Inventory: source,
		Staging:   newStagingDialer(cfg),
		Console: &consoleOpener{opener: &console.Opener{
			Dial: console.DialConfig{
				Host:     cfg.TerminalHost,
				Port:     cfg.TerminalPort,
				User:     cfg.TerminalUser,
				Password: cfg.TerminalPassword,
				Attempts: cfg.ConnectAttempts,
				Delay:    cfg.ConnectDelay,
				Budget:   cfg.ConnectBudget,
			},
		}},
		Journal: store,
		Opts: workflow.Options{
			Device:         device,
			ConsolePort:    consolePort,
			StagingDir:     cfg.StagingDir,
			FTPServer:      cfg.FTPServer,
			FTPUser:        cfg.FTPUser,
			FTPPassword:    cfg.FTPPassword,
			EnablePassword: cfg.EnablePassword,
			CommandTimeout: cfg.CommandTimeout,
			CopyTimeout:    cfg.CopyTimeout,
			ApplyTimeout:   cfg.ApplyTimeout,
			SettleDelay:    cfg.SettleDelay,
			DryRun:         provisionDryRun,
		},
	}

	// A dry run has no durable side effects to resume, so it skips the FSM.
	if provisionDryRun {
		outcome, err := wf.Run(ctx)
		if err != nil {
			return err
		}
		slog.Info("dry_run_complete",
			"device", device,
			"run_id", outcome.Run.ID,
			"markers", outcome.MarkersChecked,
		)
		return nil
	}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := workflow.NewMachine(wf, cfg.FSMMaxRetries)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	req := &workflow.DeviceRequest{
		Device:      device,
		ConsolePort: consolePort,
	}
	resp := &workflow.ProvisionResponse{}

	version, err := start(ctx, device, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm started", "version", version)

	if err := manager.Wait(ctx, version); err != nil {
		return errors.Wrap(err, "FSM execution failed")
	}

	slog.Info("provision completed",
		"device", device,
		"status", resp.Status,
		"serial", resp.ActualSerial,
		"markers", resp.MarkersChecked,
	)
	return nil
}
