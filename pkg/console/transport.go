package console

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/fieldops/ztpd/pkg/errors"
)

// DialConfig describes how to reach the terminal server that fronts the
// device consoles.
type DialConfig struct {
	Host     string
	Port     int
	User     string
	Password string

	// Timeout bounds a single TCP+SSH handshake.
	Timeout time.Duration
	// Attempts, Delay, and Budget shape the retry loop: up to Attempts
	// dials, Delay apart, never exceeding the cumulative Budget.
	Attempts int
	Delay    time.Duration
	Budget   time.Duration

	Logger *slog.Logger
}

func (c DialConfig) withDefaults() DialConfig {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.Delay == 0 {
		c.Delay = 5 * time.Second
	}
	if c.Budget == 0 {
		c.Budget = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Conn is an interactive shell over SSH, exposed as a byte stream. Closing
// the Conn tears down both the shell session and the client connection.
type Conn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (c *Conn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *Conn) Close() error {
	_ = c.session.Close()
	return c.client.Close()
}

// DialShell connects to the terminal server and starts an interactive shell
// with a vt100 pty. Transient dial failures are retried per the config.
func DialShell(ctx context.Context, cfg DialConfig) (*Conn, error) {
	cfg = cfg.withDefaults()
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	started := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := dialOnce(cfg, addr)
		if err == nil {
			cfg.Logger.Info("console_transport_connected", "addr", addr, "attempt", attempt)
			return conn, nil
		}
		lastErr = err
		cfg.Logger.Warn("console_transport_dial_failed",
			"addr", addr,
			"attempt", attempt,
			"error", err,
		)
		if attempt == cfg.Attempts || time.Since(started)+cfg.Delay > cfg.Budget {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.Delay):
		}
	}
	return nil, errors.Wrapf(lastErr, "dialing terminal server %s", addr)
}

func dialOnce(cfg DialConfig, addr string) (*Conn, error) {
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.Timeout,
	}
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, errors.Wrap(err, "ssh dial")
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "opening ssh session")
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("vt100", 24, 80, modes); err != nil {
		session.Close()
		client.Close()
		return nil, errors.Wrap(err, "requesting pty")
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, errors.Wrap(err, "attaching stdin")
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, errors.Wrap(err, "attaching stdout")
	}

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, errors.Wrap(err, "starting shell")
	}

	return &Conn{client: client, session: session, stdin: stdin, stdout: stdout}, nil
}

// Opener dials the terminal server and attaches to a device console port,
// producing a ready Session.
type Opener struct {
	Dial    DialConfig
	Session Options
}

// Open establishes the shell, attaches to the given console port, and wakes
// the device with a newline so the first prompt is visible.
func (o *Opener) Open(ctx context.Context, consolePort int) (*Session, error) {
	conn, err := DialShell(ctx, o.Dial)
	if err != nil {
		return nil, err
	}
	sess := NewSession(conn, o.Session)
	if err := sess.AttachConsole(consolePort); err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "attaching console")
	}
	if err := sess.Send("\r\n"); err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "waking console")
	}
	return sess, nil
}
