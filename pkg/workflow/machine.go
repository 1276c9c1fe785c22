package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/superfly/fsm"

	"github.com/fieldops/ztpd/pkg/errors"
	"github.com/fieldops/ztpd/pkg/journal"
)

// DeviceRequest is the FSM input.
type DeviceRequest struct {
	Device      string
	ConsolePort int
}

// ProvisionResponse is the FSM output, accumulated across transitions.
type ProvisionResponse struct {
	RunID          int64
	ExpectedSerial string
	ActualSerial   string
	StagedFile     string
	MarkersChecked int
	MarkersMissing int
	Status         string
	ErrorMessage   string
}

// FSM state names.
const (
	StateFetchData      = "fetch_data"
	StateStageConfig    = "stage_config"
	StateOpenConsole    = "open_console"
	StateVerifyIdentity = "verify_identity"
	StateCopyToFlash    = "copy_to_flash"
	StateApplyConfig    = "apply_config"
	StateVerifyConfig   = "verify_config"
	StateComplete       = "complete"
	StateFailed         = "failed"
)

// Machine adapts the workflow steps to durable FSM transitions. Console and
// transfer sessions cannot survive a process restart, so resumed runs start
// their state over rather than reattach.
type Machine struct {
	wf         *Workflow
	maxRetries int
	rc         *runContext
}

// NewMachine wraps a workflow for FSM execution.
func NewMachine(wf *Workflow, maxRetries int) *Machine {
	return &Machine{wf: wf, maxRetries: maxRetries}
}

// Register registers the device provisioning FSM.
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[DeviceRequest, ProvisionResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[DeviceRequest, ProvisionResponse](manager, "device-provision").
		Start(StateFetchData, m.handleFetchData).
		To(StateStageConfig, m.handleStageConfig).
		To(StateOpenConsole, m.handleOpenConsole).
		To(StateVerifyIdentity, m.handleVerifyIdentity).
		To(StateCopyToFlash, m.handleCopyToFlash).
		To(StateApplyConfig, m.handleApplyConfig).
		To(StateVerifyConfig, m.handleVerifyConfig).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}
	return start, resume, nil
}

// permanent reports whether a failure class must not be retried.
func permanent(class FailureClass) bool {
	switch class {
	case FailureDataUnavailable, FailureIdentityMismatch, FailureDeployment, FailureVerification:
		return true
	}
	return false
}

// finishStep translates a step result into the FSM's error convention:
// permanent failures abort after journaling, transient ones surface as plain
// errors so the FSM retries the state.
func (m *Machine) finishStep(perr *ProvisionError, resp *ProvisionResponse) error {
	if perr == nil {
		return nil
	}
	if permanent(perr.Class) {
		resp.Status = journal.StateFailed
		resp.ErrorMessage = perr.Error()
		m.wf.fail(m.rc, perr)
		return fsm.Abort(perr)
	}
	return perr
}

func (m *Machine) checkRetries(ctx context.Context, resp *ProvisionResponse, state string) error {
	retryCount := fsm.RetryFromContext(ctx)
	if retryCount < uint64(m.maxRetries) {
		return nil
	}
	slog.Error("max_retries_exceeded", "state", state, "max_retries", m.maxRetries)
	perr := failure(FailureConnectivity, fmt.Sprintf("max retries (%d) exceeded in %s", m.maxRetries, state), nil)
	resp.Status = journal.StateFailed
	resp.ErrorMessage = perr.Error()
	if m.rc != nil {
		m.wf.fail(m.rc, perr)
	}
	return fsm.Abort(perr)
}

func (m *Machine) handleFetchData(ctx context.Context, req *fsm.Request[DeviceRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	slog.Info("fsm_state_fetch_data", "device", req.Msg.Device)

	resp := req.W.Msg
	if resp == nil {
		resp = &ProvisionResponse{}
	}
	if err := m.checkRetries(ctx, resp, StateFetchData); err != nil {
		return nil, err
	}

	if m.rc == nil {
		m.wf.Opts.Device = req.Msg.Device
		m.wf.Opts.ConsolePort = req.Msg.ConsolePort
		m.wf.Opts = m.wf.Opts.withDefaults()

		m.rc = &runContext{
			run: &journal.Run{
				Device:      req.Msg.Device,
				ConsolePort: req.Msg.ConsolePort,
				State:       journal.StateInitialized,
			},
			started: time.Now(),
		}
		if err := m.wf.Journal.Create(m.rc.run); err != nil {
			return nil, fsm.Abort(errors.Wrap(err, "journal error"))
		}
	}
	resp.RunID = m.rc.run.ID

	if err := m.finishStep(m.wf.stepFetchData(ctx, m.rc), resp); err != nil {
		return nil, err
	}
	resp.ExpectedSerial = m.rc.expectedSerial
	resp.MarkersChecked = len(m.rc.markers)
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleStageConfig(ctx context.Context, req *fsm.Request[DeviceRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	slog.Info("fsm_state_stage_config", "device", req.Msg.Device)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if err := m.checkRetries(ctx, resp, StateStageConfig); err != nil {
		return nil, err
	}

	if err := m.finishStep(m.wf.stepStageConfig(ctx, m.rc), resp); err != nil {
		return nil, err
	}
	resp.StagedFile = m.rc.stagedPath
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleOpenConsole(ctx context.Context, req *fsm.Request[DeviceRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	slog.Info("fsm_state_open_console", "device", req.Msg.Device, "console_port", req.Msg.ConsolePort)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if err := m.checkRetries(ctx, resp, StateOpenConsole); err != nil {
		return nil, err
	}

	if err := m.finishStep(m.wf.stepOpenConsole(ctx, m.rc), resp); err != nil {
		return nil, err
	}
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleVerifyIdentity(ctx context.Context, req *fsm.Request[DeviceRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	slog.Info("fsm_state_verify_identity", "device", req.Msg.Device)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if err := m.checkRetries(ctx, resp, StateVerifyIdentity); err != nil {
		return nil, err
	}

	perr := m.wf.stepVerifyIdentity(ctx, m.rc)
	resp.ActualSerial = m.rc.actualSerial
	if err := m.finishStep(perr, resp); err != nil {
		return nil, err
	}
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleCopyToFlash(ctx context.Context, req *fsm.Request[DeviceRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	slog.Info("fsm_state_copy_to_flash", "device", req.Msg.Device)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if err := m.checkRetries(ctx, resp, StateCopyToFlash); err != nil {
		return nil, err
	}

	if err := m.finishStep(m.wf.stepCopyToFlash(ctx, m.rc), resp); err != nil {
		return nil, err
	}
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleApplyConfig(ctx context.Context, req *fsm.Request[DeviceRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	slog.Info("fsm_state_apply_config", "device", req.Msg.Device)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if err := m.checkRetries(ctx, resp, StateApplyConfig); err != nil {
		return nil, err
	}

	if err := m.finishStep(m.wf.stepApplyConfig(ctx, m.rc), resp); err != nil {
		return nil, err
	}
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleVerifyConfig(ctx context.Context, req *fsm.Request[DeviceRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	slog.Info("fsm_state_verify_config", "device", req.Msg.Device)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if err := m.checkRetries(ctx, resp, StateVerifyConfig); err != nil {
		return nil, err
	}

	perr := m.wf.stepVerifyConfig(ctx, m.rc)
	resp.MarkersMissing = len(m.rc.missing)
	if err := m.finishStep(perr, resp); err != nil {
		return nil, err
	}
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[DeviceRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	slog.Info("fsm_state_complete", "device", req.Msg.Device)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	outcome, err := m.wf.finish(m.rc)
	if err != nil {
		return nil, errors.Wrap(err, "finishing run")
	}
	resp.Status = journal.StateCompleted
	resp.ActualSerial = outcome.ActualSerial

	slog.Info("provision_fsm_complete",
		"device", req.Msg.Device,
		"run_id", resp.RunID,
		"duration", outcome.Duration.Round(time.Second),
	)
	return fsm.NewResponse(resp), nil
}
