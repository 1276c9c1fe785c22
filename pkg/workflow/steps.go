package workflow

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fieldops/ztpd/pkg/console"
	"github.com/fieldops/ztpd/pkg/inventory"
	"github.com/fieldops/ztpd/pkg/journal"
	"github.com/fieldops/ztpd/pkg/staging"
	"github.com/fieldops/ztpd/pkg/verify"
)

// stepFetchData pulls the expected serial and the intended configuration
// from the inventory and selects the verification markers.
func (w *Workflow) stepFetchData(ctx context.Context, rc *runContext) *ProvisionError {
	log := w.log()

	serial, err := w.Inventory.FetchExpectedIdentity(ctx, w.Opts.Device)
	if err != nil {
		if stderrors.Is(err, inventory.ErrDeviceNotFound) || stderrors.Is(err, inventory.ErrIdentityNotFound) {
			return failure(FailureDataUnavailable, "no expected serial in inventory", err)
		}
		return failure(FailureConnectivity, "inventory identity lookup failed", err)
	}
	rc.expectedSerial = serial
	rc.run.ExpectedSerial = serial
	log.Info("identity_data_fetched", "device", w.Opts.Device, "expected_serial", serial)
	w.setState(rc, journal.StateIdentityDataReady)

	config, err := w.Inventory.FetchConfig(ctx, w.Opts.Device)
	if err != nil {
		if stderrors.Is(err, inventory.ErrDeviceNotFound) || stderrors.Is(err, inventory.ErrConfigNotFound) {
			return failure(FailureDataUnavailable, "no intended configuration in inventory", err)
		}
		return failure(FailureConnectivity, "inventory config lookup failed", err)
	}
	if len(config) == 0 {
		return failure(FailureDataUnavailable, "intended configuration is empty", nil)
	}
	rc.config = config
	rc.markers = verify.ExtractMarkers(config)
	log.Info("config_fetched",
		"device", w.Opts.Device,
		"config_bytes", len(config),
		"markers", len(rc.markers),
	)
	return w.setState(rc, journal.StateConfigReady)
}

// stepStageConfig places the configuration on the transfer server and
// verifies the byte count the server reports.
func (w *Workflow) stepStageConfig(ctx context.Context, rc *runContext) *ProvisionError {
	// A retried step dials anew; the connection left by the previous attempt
	// must be released first so it cannot leak.
	if rc.transport != nil {
		if err := rc.transport.Close(); err != nil {
			w.log().Warn("staging_close_failed", "error", err)
		}
		rc.transport = nil
	}

	transport, err := w.Staging.Dial(ctx)
	if err != nil {
		return failure(FailureConnectivity, "transfer server unreachable", err)
	}
	rc.transport = transport

	path := staging.StagedPath(w.Opts.StagingDir, w.Opts.Device)
	size, err := transport.Write(path, []byte(rc.config))
	if err != nil {
		return failure(FailureConnectivity, "staging config failed", err)
	}
	rc.stagedPath = path
	rc.staged = true
	rc.run.StagedFile = path

	w.log().Info("config_staged", "path", path, "bytes", size)
	return w.setState(rc, journal.StateStaged)
}

// stepOpenConsole attaches to the device console and elevates privilege.
func (w *Workflow) stepOpenConsole(ctx context.Context, rc *runContext) *ProvisionError {
	// Same discipline as staging: a retried step replaces the session, so
	// close the one from the previous attempt before opening another.
	if rc.session != nil {
		if err := rc.session.Close(); err != nil {
			w.log().Warn("console_close_failed", "error", err)
		}
		rc.session = nil
	}

	sess, err := w.Console.Open(ctx, w.Opts.ConsolePort)
	if err != nil {
		return failure(FailureConnectivity, "console session failed", err)
	}
	rc.session = sess

	if err := sess.EnsurePrivileged(w.Opts.EnablePassword); err != nil {
		return failure(FailureConnectivity, "privilege elevation failed", err)
	}
	return w.setState(rc, journal.StateSessionUp)
}

// stepVerifyIdentity confirms the console leads to the device we think it
// does. A mismatch aborts before anything is pushed.
func (w *Workflow) stepVerifyIdentity(ctx context.Context, rc *runContext) *ProvisionError {
	verifier := &verify.IdentityVerifier{
		Logger:         w.log(),
		CommandTimeout: w.Opts.CommandTimeout,
	}
	actual, err := verifier.Verify(rc.session, rc.expectedSerial)
	rc.actualSerial = actual
	if err != nil {
		var mismatch *verify.MismatchError
		if stderrors.As(err, &mismatch) {
			return &ProvisionError{
				Class:    FailureIdentityMismatch,
				Reason:   "device on console is not the intended device",
				Expected: mismatch.Expected,
				Actual:   mismatch.Actual,
				Err:      err,
			}
		}
		return sessionFailure("identity probe failed", err)
	}
	rc.run.ActualSerial = actual
	return w.setState(rc, journal.StateIdentityVerified)
}

// stepCopyToFlash pulls the staged file onto the device over the management
// VRF. The transfer URL embeds credentials; only redacted forms are logged.
func (w *Workflow) stepCopyToFlash(ctx context.Context, rc *runContext) *ProvisionError {
	if rc.run.State != journal.StateIdentityVerified {
		return failure(FailureDeployment, "refusing to copy before identity verification", nil)
	}

	file := filepath.Base(rc.stagedPath)
	command := fmt.Sprintf("copy ftp://%s:%s@%s//%s flash: vrf Mgmt-vrf",
		w.Opts.FTPUser, w.Opts.FTPPassword, w.Opts.FTPServer, file)

	w.log().Info("copy_to_flash_start", "device", w.Opts.Device, "file", file)
	out, err := rc.session.RunCommand(command, console.RunOptions{
		Timeout:     w.Opts.CopyTimeout,
		Quiescence:  30 * time.Second,
		AutoConfirm: true,
	})
	if err != nil {
		return sessionFailure("copy to flash failed", err)
	}
	if console.IsFailure(out) {
		return failure(FailureDeployment, "device reported copy error", nil)
	}
	if !console.IsSuccess(out) {
		// No positive marker either: treat ambiguity as failure rather
		// than apply a config that may not be on flash.
		return failure(FailureDeployment, "copy produced no success marker", nil)
	}
	return w.setState(rc, journal.StateCopiedToFlash)
}

// stepApplyConfig merges the copied file into the running config and lets
// the device settle.
func (w *Workflow) stepApplyConfig(ctx context.Context, rc *runContext) *ProvisionError {
	file := filepath.Base(rc.stagedPath)
	command := fmt.Sprintf("copy flash:%s running-config", file)

	w.log().Info("apply_config_start", "device", w.Opts.Device, "file", file)
	// A merge can stall for long stretches while processes restart, so the
	// quiet window is wider than for a file copy.
	out, err := rc.session.RunCommand(command, console.RunOptions{
		Timeout:     w.Opts.ApplyTimeout,
		Quiescence:  60 * time.Second,
		AutoConfirm: true,
	})
	if err != nil {
		return sessionFailure("config apply failed", err)
	}
	if console.IsFailure(out) {
		return failure(FailureDeployment, "device reported apply error", nil)
	}
	if !console.IsSuccess(out) {
		return failure(FailureDeployment, "apply produced no success marker", nil)
	}

	// Interface renumbering and process restarts follow an apply; give the
	// device time before querying the running config.
	select {
	case <-ctx.Done():
		return failure(FailureConnectivity, "run cancelled during settle", ctx.Err())
	case <-time.After(w.Opts.SettleDelay):
	}
	return w.setState(rc, journal.StateConfigApplied)
}

// stepVerifyConfig spot checks the running config for every marker taken
// from the intended configuration.
func (w *Workflow) stepVerifyConfig(ctx context.Context, rc *runContext) *ProvisionError {
	if len(rc.markers) == 0 {
		w.log().Warn("no_verification_markers", "device", w.Opts.Device)
		return nil
	}

	verifier := &verify.ConfigVerifier{
		Logger:         w.log(),
		CommandTimeout: w.Opts.CommandTimeout,
	}
	missing := verifier.VerifyMarkers(rc.session, rc.markers)
	rc.missing = missing
	if len(missing) > 0 {
		return &ProvisionError{
			Class:   FailureVerification,
			Reason:  fmt.Sprintf("%d of %d markers missing from running config", len(missing), len(rc.markers)),
			Missing: missing,
		}
	}
	w.log().Info("config_verified", "device", w.Opts.Device, "markers", len(rc.markers))
	return nil
}

// sessionFailure maps console-level errors onto failure classes: a timeout
// is the device going quiet, a dead channel is connectivity.
func sessionFailure(reason string, err error) *ProvisionError {
	var timeout *console.TimeoutError
	if stderrors.As(err, &timeout) {
		return failure(FailureProtocolTimeout, reason, err)
	}
	if stderrors.Is(err, console.ErrChannelClosed) {
		return failure(FailureConnectivity, reason, err)
	}
	return failure(FailureConnectivity, reason, err)
}
