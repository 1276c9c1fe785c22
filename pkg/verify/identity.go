// Package verify checks that the device on the console is the one we intend
// to provision, and that an applied configuration actually took effect.
package verify

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fieldops/ztpd/pkg/console"
	"github.com/fieldops/ztpd/pkg/errors"
)

// CommandRunner is the slice of the console session the verifiers need.
type CommandRunner interface {
	RunCommand(command string, opts console.RunOptions) (string, error)
}

// ErrSerialNotFound means no serial number could be extracted from the
// device's version output.
var ErrSerialNotFound = fmt.Errorf("no serial number found in version output")

// MismatchError means the device reported a serial different from the one
// the inventory expects. Provisioning must not proceed past it.
type MismatchError struct {
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("device serial mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// IdentityVerifier reads the device's self-reported serial number off the
// console and compares it to the expected value.
type IdentityVerifier struct {
	Logger   *slog.Logger
	Patterns *console.PatternLibrary
	// CommandTimeout bounds each probe command. Zero means the session
	// default.
	CommandTimeout time.Duration
}

func (v *IdentityVerifier) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

func (v *IdentityVerifier) patterns() *console.PatternLibrary {
	if v.Patterns != nil {
		return v.Patterns
	}
	return console.Library()
}

// Verify probes the device and returns its actual serial. Pagination is
// disabled first so the version output arrives whole. The comparison is
// case-insensitive. A missing serial and a mismatched serial are distinct
// failures: the former may be a flaky console, the latter means the cable
// map is wrong.
func (v *IdentityVerifier) Verify(r CommandRunner, expectedSerial string) (string, error) {
	log := v.logger()

	if _, err := r.RunCommand("terminal length 0", console.RunOptions{Timeout: v.CommandTimeout}); err != nil {
		// Not fatal; pagination handling covers a device that ignores it.
		log.Warn("pagination_disable_failed", "error", err)
	}

	out, err := r.RunCommand("show version", console.RunOptions{Timeout: v.CommandTimeout})
	if err != nil {
		return "", errors.Wrap(err, "reading version output")
	}

	clean := console.StripArtifacts(out)
	actual, ok := v.patterns().ExtractSerial(clean)
	if !ok {
		log.Error("serial_extraction_failed", "output_bytes", len(clean))
		return "", ErrSerialNotFound
	}

	if !strings.EqualFold(actual, expectedSerial) {
		log.Error("device_identity_mismatch",
			"expected_serial", expectedSerial,
			"actual_serial", actual,
		)
		return actual, &MismatchError{Expected: expectedSerial, Actual: actual}
	}

	log.Info("device_identity_verified", "serial", actual)
	return actual, nil
}
