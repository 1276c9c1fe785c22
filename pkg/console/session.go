package console

import (
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// runState tracks a single RunCommand invocation through its read loop:
// idle -> sent -> (reading <-> confirmResponding) -> completed | timedOut.
type runState int

const (
	stateIdle runState = iota
	stateSent
	stateReading
	stateConfirmResponding
	stateCompleted
	stateTimedOut
)

func (s runState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateSent:
		return "sent"
	case stateReading:
		return "reading"
	case stateConfirmResponding:
		return "confirm_responding"
	case stateCompleted:
		return "completed"
	case stateTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// markerTail bounds how much already seen output is rescanned for prompt
// markers that arrive split across reads.
const markerTail = 64

// ErrChannelClosed is returned when the underlying console channel dies
// while a command is still being read.
var ErrChannelClosed = fmt.Errorf("console channel closed")

// ErrNotPrivileged is returned when privilege elevation does not reach the
// privileged prompt.
var ErrNotPrivileged = fmt.Errorf("device did not enter privileged mode")

// TimeoutError reports that an expected pattern or command completion never
// appeared within the allowed window. Buffer carries everything read since
// the operation started, for diagnosis.
type TimeoutError struct {
	Op     string
	Wait   time.Duration
	Buffer string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no matching output within %s", e.Op, e.Wait)
}

// Options tunes session timing. Zero values are replaced with defaults
// suited to real console hardware; tests shrink them.
type Options struct {
	Patterns      *PatternLibrary
	Logger        *slog.Logger
	PollInterval  time.Duration // read-loop tick
	PromptWait    time.Duration // settle window around prompts
	Quiescence    time.Duration // default no-new-output window meaning "done"
	CharThreshold int           // payloads longer than this are typed out
	CharDelay     time.Duration // inter-character delay for typed payloads
	MaxPagination int           // cap on automatic continuation keystrokes
}

func (o Options) withDefaults() Options {
	if o.Patterns == nil {
		o.Patterns = Library()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}
	if o.PromptWait == 0 {
		o.PromptWait = 2 * time.Second
	}
	if o.Quiescence == 0 {
		o.Quiescence = 5 * time.Second
	}
	if o.CharThreshold == 0 {
		o.CharThreshold = 128
	}
	if o.CharDelay == 0 {
		o.CharDelay = 5 * time.Millisecond
	}
	if o.MaxPagination == 0 {
		o.MaxPagination = 50
	}
	return o
}

// RunOptions controls a single RunCommand call.
type RunOptions struct {
	// Quiescence overrides the session default no-output window.
	Quiescence time.Duration
	// Timeout bounds the whole command. Zero means 120s.
	Timeout time.Duration
	// AutoConfirm answers known confirmation prompts with a bare newline.
	AutoConfirm bool
}

// Session owns one interactive console channel. It is exclusively owned by a
// single provisioning run; nothing else may write to the channel while the
// session is open.
type Session struct {
	ch     io.ReadWriter
	closer io.Closer
	opts   Options
	log    *slog.Logger
	lib    *PatternLibrary

	incoming chan string
	readDone chan struct{}

	mu  sync.Mutex
	buf strings.Builder // all output since the last explicit reset

	closeOnce sync.Once
	closeErr  error
}

// NewSession wraps an interactive channel. If ch also implements io.Closer,
// Close tears it down.
func NewSession(ch io.ReadWriter, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		ch:       ch,
		opts:     opts,
		log:      opts.Logger,
		lib:      opts.Patterns,
		incoming: make(chan string, 64),
		readDone: make(chan struct{}),
	}
	if c, ok := ch.(io.Closer); ok {
		s.closer = c
	}
	go s.readLoop()
	return s
}

func (s *Session) readLoop() {
	b := make([]byte, 4096)
	for {
		n, err := s.ch.Read(b)
		if n > 0 {
			s.incoming <- string(b[:n])
		}
		if err != nil {
			close(s.readDone)
			return
		}
	}
}

func (s *Session) record(chunk string) {
	s.mu.Lock()
	s.buf.WriteString(chunk)
	s.mu.Unlock()
}

// Buffer returns everything received since the last ResetBuffer.
func (s *Session) Buffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// ResetBuffer discards the accumulated console buffer.
func (s *Session) ResetBuffer() {
	s.mu.Lock()
	s.buf.Reset()
	s.mu.Unlock()
}

// Send writes raw text to the channel. Payloads longer than the configured
// threshold are typed character by character with a small delay so the
// device's input buffer is not overrun.
func (s *Session) Send(text string) error {
	if len(text) <= s.opts.CharThreshold {
		_, err := io.WriteString(s.ch, text)
		return err
	}
	for i := 0; i < len(text); i++ {
		if _, err := s.ch.Write([]byte{text[i]}); err != nil {
			return err
		}
		time.Sleep(s.opts.CharDelay)
	}
	return nil
}

// SendLine sends text followed by a newline.
func (s *Session) SendLine(text string) error {
	return s.Send(text + "\n")
}

// drain empties any buffered channel output without blocking, recording it
// for diagnostics but discarding it from the caller's view.
func (s *Session) drain() string {
	var sb strings.Builder
	for {
		select {
		case chunk := <-s.incoming:
			sb.WriteString(chunk)
			s.record(chunk)
		default:
			return sb.String()
		}
	}
}

// collect reads whatever arrives within the window and returns it.
func (s *Session) collect(window time.Duration) string {
	var sb strings.Builder
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	for {
		select {
		case chunk := <-s.incoming:
			sb.WriteString(chunk)
			s.record(chunk)
		case <-s.readDone:
			sb.WriteString(s.drain())
			return sb.String()
		case <-deadline.C:
			return sb.String()
		}
	}
}

// AwaitPattern blocks, accumulating output, until one of the patterns
// matches or the timeout elapses. It returns the output accumulated up to
// and including the match. On timeout the error carries the buffer contents.
func (s *Session) AwaitPattern(patterns []*regexp.Regexp, timeout time.Duration) (string, error) {
	var out strings.Builder
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case chunk := <-s.incoming:
			out.WriteString(chunk)
			s.record(chunk)
			for _, re := range patterns {
				if re.MatchString(out.String()) {
					return out.String(), nil
				}
			}
		case <-s.readDone:
			out.WriteString(s.drain())
			for _, re := range patterns {
				if re.MatchString(out.String()) {
					return out.String(), nil
				}
			}
			return out.String(), ErrChannelClosed
		case <-deadline.C:
			return out.String(), &TimeoutError{Op: "await pattern", Wait: timeout, Buffer: out.String()}
		}
	}
}

// RunCommand clears stale output, sends the command, and reads until the
// output goes quiet, a confirmation prompt is answered and reading resumes,
// or the overall timeout elapses. Pagination markers are answered
// transparently. Quiescence only completes a command that has produced
// output; a fully silent command is a timeout.
func (s *Session) RunCommand(command string, opts RunOptions) (string, error) {
	if opts.Quiescence == 0 {
		opts.Quiescence = s.opts.Quiescence
	}
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}

	st := stateIdle
	s.drain()

	s.log.Debug("console_command_sent", "command", RedactCredentials(command), "state", st)
	if err := s.SendLine(command); err != nil {
		return "", err
	}
	st = stateSent

	var out strings.Builder
	start := time.Now()
	lastActivity := time.Now()
	pagination := 0
	scanned := 0
	st = stateReading

	tick := time.NewTicker(s.opts.PollInterval)
	defer tick.Stop()

	for {
		select {
		case chunk := <-s.incoming:
			out.WriteString(chunk)
			s.record(chunk)
			lastActivity = time.Now()

			// A prompt marker can straddle a read boundary, so matching runs
			// over the unhandled tail of the output, not the raw chunk.
			window := out.String()[scanned:]

			if end := s.lib.FindPagination(window); end >= 0 && pagination < s.opts.MaxPagination {
				pagination++
				scanned += end
				if err := s.Send(" "); err != nil {
					return out.String(), err
				}
				continue
			}

			// Answer each confirmation prompt occurrence exactly once,
			// then keep reading.
			if opts.AutoConfirm {
				if end := s.lib.FindConfirmation(window); end >= 0 {
					st = stateConfirmResponding
					s.log.Debug("console_confirmation_answered", "command", RedactCredentials(command))
					scanned += end
					if err := s.Send("\n"); err != nil {
						return out.String(), err
					}
					lastActivity = time.Now()
					st = stateReading
					continue
				}
			}

			// Keep a short tail unscanned for a marker still arriving.
			if unread := out.Len() - scanned; unread > markerTail {
				scanned = out.Len() - markerTail
			}

		case <-s.readDone:
			out.WriteString(s.drain())
			return out.String(), ErrChannelClosed

		case <-tick.C:
		}

		if time.Since(start) > opts.Timeout {
			st = stateTimedOut
			s.log.Warn("console_command_timeout",
				"command", RedactCredentials(command),
				"timeout", opts.Timeout,
				"received_bytes", out.Len(),
			)
			return out.String(), &TimeoutError{Op: "run command", Wait: opts.Timeout, Buffer: out.String()}
		}
		if out.Len() > 0 && time.Since(lastActivity) > opts.Quiescence {
			st = stateCompleted
			break
		}
	}

	s.log.Debug("console_command_done",
		"command", RedactCredentials(command),
		"state", st,
		"received_bytes", out.Len(),
	)
	if pagination > 0 {
		s.log.Debug("console_pagination_handled", "count", pagination)
	}
	return out.String(), nil
}

// AttachConsole drives the terminal server's port multiplexer: it starts
// pmshell, waits for the selection banner, and picks the console port.
func (s *Session) AttachConsole(port int) error {
	s.collect(s.opts.PromptWait)

	s.log.Info("console_attach", "console_port", port)
	if err := s.SendLine("pmshell"); err != nil {
		return err
	}
	out, err := s.AwaitPattern([]*regexp.Regexp{s.lib.ConsoleSelect}, s.opts.PromptWait*2)
	if err != nil {
		// The banner varies between terminal server firmwares; proceed
		// and let the port selection settle instead.
		s.log.Warn("console_select_banner_missing", "output", StripArtifacts(out))
	}
	if err := s.SendLine(strconv.Itoa(port)); err != nil {
		return err
	}
	s.collect(s.opts.PromptWait)
	return nil
}

// EnsurePrivileged inspects the trailing prompt character and, if the device
// is in unprivileged mode, issues the elevation command. A credential prompt
// is answered with the configured enable password, or with a bare newline
// when none is set. Elevation is re-verified afterwards; failing to reach
// the privileged prompt is fatal.
func (s *Session) EnsurePrivileged(enablePassword string) error {
	s.drain()
	if err := s.Send("\r\n"); err != nil {
		return err
	}
	out := s.collect(s.opts.PromptWait)
	if trailingPrompt(out) == '#' {
		s.log.Info("console_already_privileged")
		return nil
	}

	s.log.Info("console_elevating")
	if err := s.Send("enable\r\n"); err != nil {
		return err
	}
	out = s.collect(s.opts.PromptWait)

	if s.lib.PasswordPrompt.MatchString(out) {
		if enablePassword == "" {
			s.log.Warn("console_enable_password_missing", "action", "sending blank credential")
		}
		if err := s.Send(enablePassword + "\r\n"); err != nil {
			return err
		}
		out = s.collect(s.opts.PromptWait)
	}

	if err := s.Send("\r\n"); err != nil {
		return err
	}
	out = s.collect(s.opts.PromptWait)
	if !strings.Contains(out, "#") {
		s.log.Error("console_elevation_failed", "prompt_tail", tail(StripArtifacts(out), 100))
		return ErrNotPrivileged
	}
	s.log.Info("console_privileged")
	return nil
}

// Interrupt sends Ctrl-C to the console and lets the device settle.
func (s *Session) Interrupt() error {
	if err := s.Send("\x03"); err != nil {
		return err
	}
	s.collect(s.opts.PromptWait)
	return nil
}

// Close tears down the underlying channel. Safe to call more than once;
// only the first call has effect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}

func trailingPrompt(out string) byte {
	trimmed := strings.TrimRight(StripArtifacts(out), " \t\r\n")
	if trimmed == "" {
		return 0
	}
	return trimmed[len(trimmed)-1]
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
