package workflow

import (
	"fmt"
	"strings"

	"github.com/fieldops/ztpd/pkg/verify"
)

// FailureClass partitions run failures by what an operator should do next.
type FailureClass string

const (
	// FailureDataUnavailable: the inventory has no config or identity for
	// the device. Fix the inventory record.
	FailureDataUnavailable FailureClass = "data_unavailable"
	// FailureConnectivity: a transport could not be established or died.
	FailureConnectivity FailureClass = "connectivity"
	// FailureProtocolTimeout: the device stopped answering mid-session.
	FailureProtocolTimeout FailureClass = "protocol_timeout"
	// FailureIdentityMismatch: the device on the console is not the device
	// we meant to provision. Nothing was pushed; check the cabling.
	FailureIdentityMismatch FailureClass = "identity_mismatch"
	// FailureDeployment: a copy or apply command did not succeed.
	FailureDeployment FailureClass = "deployment"
	// FailureVerification: the config applied but spot checks found
	// elements missing from the running config.
	FailureVerification FailureClass = "verification"
)

// ProvisionError is a classified run failure.
type ProvisionError struct {
	Class    FailureClass
	Reason   string
	Expected string
	Actual   string
	Missing  []verify.Marker
	Err      error
}

func (e *ProvisionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Class, e.Reason)
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, " (expected %s, actual %s)", e.Expected, e.Actual)
	}
	if len(e.Missing) > 0 {
		names := make([]string, len(e.Missing))
		for i, m := range e.Missing {
			names[i] = m.String()
		}
		fmt.Fprintf(&b, " (missing: %s)", strings.Join(names, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

func failure(class FailureClass, reason string, err error) *ProvisionError {
	return &ProvisionError{Class: class, Reason: reason, Err: err}
}
