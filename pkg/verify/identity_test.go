package verify

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/fieldops/ztpd/pkg/console"
)

// fakeRunner maps command prefixes to canned output.
type fakeRunner struct {
	outputs  map[string]string
	err      error
	commands []string
}

func (f *fakeRunner) RunCommand(command string, opts console.RunOptions) (string, error) {
	f.commands = append(f.commands, command)
	if f.err != nil {
		return "", f.err
	}
	for prefix, out := range f.outputs {
		if len(command) >= len(prefix) && command[:len(prefix)] == prefix {
			return out, nil
		}
	}
	return "", nil
}

func quietVerifier() *IdentityVerifier {
	return &IdentityVerifier{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestVerifyIdentityMatch(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{
		"show version": "Cisco IOS Software\nProcessor board ID FTX0945W0MY\n",
	}}

	actual, err := quietVerifier().Verify(r, "FTX0945W0MY")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if actual != "FTX0945W0MY" {
		t.Errorf("actual = %q", actual)
	}
}

func TestVerifyIdentityCaseInsensitive(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{
		"show version": "System serial number: foc1825x0k9\n",
	}}

	if _, err := quietVerifier().Verify(r, "FOC1825X0K9"); err != nil {
		t.Fatalf("case difference must not fail verification: %v", err)
	}
}

func TestVerifyIdentityMismatch(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{
		"show version": "System serial number: WRONG999\n",
	}}

	actual, err := quietVerifier().Verify(r, "FOC1825X0K9")
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected MismatchError, got %v", err)
	}
	if mismatch.Expected != "FOC1825X0K9" || mismatch.Actual != "WRONG999" {
		t.Errorf("mismatch = %+v", mismatch)
	}
	if actual != "WRONG999" {
		t.Errorf("actual serial should still be reported, got %q", actual)
	}
}

func TestVerifyIdentityNotFound(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{
		"show version": "Cisco IOS Software, nothing useful here\n",
	}}

	_, err := quietVerifier().Verify(r, "FOC1825X0K9")
	if !errors.Is(err, ErrSerialNotFound) {
		t.Fatalf("expected ErrSerialNotFound, got %v", err)
	}
}

func TestVerifyDisablesPaginationFirst(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{
		"show version": "Processor board ID FTX0945W0MY\n",
	}}

	if _, err := quietVerifier().Verify(r, "FTX0945W0MY"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(r.commands) < 2 || r.commands[0] != "terminal length 0" {
		t.Errorf("expected terminal length 0 before the probe, commands = %q", r.commands)
	}
}
