// Package staging places intended configuration files on the transfer
// server the device pulls from, and removes them when a run ends.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/fieldops/ztpd/pkg/errors"
)

// Transport is a remote file store reachable from the device.
type Transport interface {
	// Write stores content at the given path and returns the byte count
	// the server reports after the write.
	Write(path string, content []byte) (int64, error)
	Remove(path string) error
	List(dir string) ([]string, error)
	Close() error
}

// Dialer opens a Transport on demand.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// Config describes the transfer server's SFTP endpoint.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string

	Timeout  time.Duration
	Attempts int
	Delay    time.Duration
}

func (c Config) withDefaults() Config {
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
	return c
}

// SFTPDialer dials the transfer server over SSH and speaks SFTP.
type SFTPDialer struct {
	Config Config
}

// Dial connects with retries and returns a ready transport.
func (d *SFTPDialer) Dial(ctx context.Context) (Transport, error) {
	cfg := d.Config.withDefaults()
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := dialOnce(cfg, addr)
		if err == nil {
			slog.Info("staging_connected", "addr", addr, "attempt", attempt)
			return t, nil
		}
		lastErr = err
		slog.Warn("staging_dial_failed", "addr", addr, "attempt", attempt, "error", err)
		if attempt == cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.Delay):
		}
	}
	return nil, errors.Wrapf(lastErr, "dialing transfer server %s", addr)
}

func dialOnce(cfg Config, addr string) (*SFTPTransport, error) {
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.Timeout,
	}
	sshClient, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, errors.Wrap(err, "ssh dial")
	}
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, errors.Wrap(err, "starting sftp subsystem")
	}
	return &SFTPTransport{ssh: sshClient, sftp: sftpClient}, nil
}

// SFTPTransport is a Transport over an SFTP session.
type SFTPTransport struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

// Write creates the remote file, writes the content, and stats the result so
// the returned size is what the server actually holds, not what we sent.
func (t *SFTPTransport) Write(remotePath string, content []byte) (int64, error) {
	f, err := t.sftp.Create(remotePath)
	if err != nil {
		return 0, errors.Wrapf(err, "creating %s", remotePath)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return 0, errors.Wrapf(err, "writing %s", remotePath)
	}
	if err := f.Close(); err != nil {
		return 0, errors.Wrapf(err, "closing %s", remotePath)
	}

	info, err := t.sftp.Stat(remotePath)
	if err != nil {
		return 0, errors.Wrapf(err, "verifying %s", remotePath)
	}
	if info.Size() != int64(len(content)) {
		return info.Size(), fmt.Errorf("staged file %s holds %d bytes, wrote %d",
			remotePath, info.Size(), len(content))
	}
	return info.Size(), nil
}

func (t *SFTPTransport) Remove(remotePath string) error {
	return t.sftp.Remove(remotePath)
}

func (t *SFTPTransport) List(dir string) ([]string, error) {
	infos, err := t.sftp.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}

func (t *SFTPTransport) Close() error {
	err := t.sftp.Close()
	if cerr := t.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}

// StagedPath is where a device's configuration lands on the transfer
// server.
func StagedPath(dir, device string) string {
	return path.Join(dir, device+".txt")
}
