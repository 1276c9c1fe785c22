package console

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/fieldops/ztpd/pkg/console/consoletest"
)

func testOptions() Options {
	return Options{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		PollInterval: 5 * time.Millisecond,
		PromptWait:   30 * time.Millisecond,
		Quiescence:   30 * time.Millisecond,
	}
}

func TestRunCommandCompletesOnQuiescence(t *testing.T) {
	ch := consoletest.New([]consoletest.Rule{
		{Match: "show version", Reply: "Cisco IOS Software\nProcessor board ID FTX0945W0MY\nSwitch# "},
	})
	sess := NewSession(ch, testOptions())
	defer sess.Close()

	out, err := sess.RunCommand("show version", RunOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if !strings.Contains(out, "FTX0945W0MY") {
		t.Errorf("output missing version text: %q", out)
	}
}

func TestRunCommandSilentTimesOut(t *testing.T) {
	ch := consoletest.New(nil)
	sess := NewSession(ch, testOptions())
	defer sess.Close()

	_, err := sess.RunCommand("show version", RunOptions{Timeout: 150 * time.Millisecond})
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeout.Buffer != "" {
		t.Errorf("silent command should carry an empty buffer, got %q", timeout.Buffer)
	}
}

func TestRunCommandTimeoutCarriesBuffer(t *testing.T) {
	ch := consoletest.New([]consoletest.Rule{
		{Match: "copy", Reply: "Loading switch1.txt "},
	})
	sess := NewSession(ch, Options{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		PollInterval: 5 * time.Millisecond,
		PromptWait:   30 * time.Millisecond,
		Quiescence:   5 * time.Second, // never quiesce within the test timeout
	})
	defer sess.Close()

	_, err := sess.RunCommand("copy flash:switch1.txt running-config", RunOptions{Timeout: 100 * time.Millisecond})
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !strings.Contains(timeout.Buffer, "Loading switch1.txt") {
		t.Errorf("timeout buffer missing partial output: %q", timeout.Buffer)
	}
}

func TestRunCommandAnswersConfirmation(t *testing.T) {
	ch := consoletest.New([]consoletest.Rule{
		{Match: "copy ftp", Reply: "Destination filename [switch1.txt]? "},
		{Match: "", Reply: "Accessing ftp://...\n150 bytes copied in 0.1 secs\nSwitch# "},
	})
	sess := NewSession(ch, testOptions())
	defer sess.Close()

	out, err := sess.RunCommand("copy ftp://u:p@h//switch1.txt flash: vrf Mgmt-vrf", RunOptions{
		Timeout:     2 * time.Second,
		AutoConfirm: true,
	})
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if !strings.Contains(out, "bytes copied") {
		t.Errorf("output missing copy result: %q", out)
	}
	// The prompt was answered with a bare newline.
	lines := ch.Lines()
	if lines[len(lines)-1] != "" {
		t.Errorf("expected trailing blank-line answer, lines = %q", lines)
	}
}

func TestRunCommandHandlesPagination(t *testing.T) {
	ch := consoletest.New([]consoletest.Rule{
		{Match: "show version", Reply: "Cisco IOS Software\n--More--"},
		{Match: " ", Reply: "System serial number: FOC1825X0K9\nSwitch# "},
	})
	sess := NewSession(ch, testOptions())
	defer sess.Close()

	out, err := sess.RunCommand("show version", RunOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if !strings.Contains(out, "FOC1825X0K9") {
		t.Errorf("output missing post-pagination text: %q", out)
	}
	if !ch.SentContaining(" ") {
		t.Error("expected a continuation keystroke")
	}
}

func TestRunCommandPaginationSplitAcrossReads(t *testing.T) {
	ch := consoletest.New([]consoletest.Rule{
		{Match: "show version", Reply: "Cisco IOS Software\n--Mo"},
		{Match: " ", Reply: "System serial number: FOC1825X0K9\nSwitch# "},
	})
	opts := testOptions()
	opts.Quiescence = 150 * time.Millisecond
	sess := NewSession(ch, opts)
	defer sess.Close()

	done := make(chan struct{})
	var out string
	var err error
	go func() {
		out, err = sess.RunCommand("show version", RunOptions{Timeout: 2 * time.Second})
		close(done)
	}()

	// The rest of the marker arrives in a separate read.
	time.Sleep(50 * time.Millisecond)
	ch.Feed("re--")
	<-done

	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if !strings.Contains(out, "FOC1825X0K9") {
		t.Errorf("output missing post-pagination text: %q", out)
	}
	if !ch.SentContaining(" ") {
		t.Error("split pagination marker must still trigger a continuation keystroke")
	}
}

func TestRunCommandConfirmationSplitAcrossReads(t *testing.T) {
	ch := consoletest.New([]consoletest.Rule{
		{Match: "copy ftp", Reply: "Destination filename [swi"},
		{Match: "", Reply: "150 bytes copied in 0.1 secs\nSwitch# "},
	})
	opts := testOptions()
	opts.Quiescence = 150 * time.Millisecond
	sess := NewSession(ch, opts)
	defer sess.Close()

	done := make(chan struct{})
	var out string
	var err error
	go func() {
		out, err = sess.RunCommand("copy ftp://u:p@h//switch1.txt flash: vrf Mgmt-vrf", RunOptions{
			Timeout:     2 * time.Second,
			AutoConfirm: true,
		})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	ch.Feed("tch1.txt]? ")
	<-done

	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if !strings.Contains(out, "bytes copied") {
		t.Errorf("split confirmation prompt was not answered: %q", out)
	}
}

func TestEnsurePrivilegedElevates(t *testing.T) {
	ch := consoletest.New([]consoletest.Rule{
		{Match: "", Reply: "Switch> ", Once: true},
		{Match: "enable", Reply: "Password: "},
		{Match: "secret", Reply: "", Once: true},
		{Match: "", Reply: "Switch# "},
	})
	sess := NewSession(ch, testOptions())
	defer sess.Close()

	if err := sess.EnsurePrivileged("secret"); err != nil {
		t.Fatalf("elevate: %v", err)
	}
	if !ch.SentContaining("enable") {
		t.Error("expected the elevation command to be sent")
	}
}

func TestEnsurePrivilegedAlreadyElevated(t *testing.T) {
	ch := consoletest.New([]consoletest.Rule{
		{Match: "", Reply: "Switch# "},
	})
	sess := NewSession(ch, testOptions())
	defer sess.Close()

	if err := sess.EnsurePrivileged("secret"); err != nil {
		t.Fatalf("elevate: %v", err)
	}
	if ch.SentContaining("enable") {
		t.Error("privileged device must not receive an elevation command")
	}
}

func TestEnsurePrivilegedFailsWithoutPrompt(t *testing.T) {
	ch := consoletest.New([]consoletest.Rule{
		{Match: "", Reply: "Switch> "},
		{Match: "enable", Reply: "Switch> "},
	})
	sess := NewSession(ch, testOptions())
	defer sess.Close()

	err := sess.EnsurePrivileged("")
	if !errors.Is(err, ErrNotPrivileged) {
		t.Fatalf("expected ErrNotPrivileged, got %v", err)
	}
}
