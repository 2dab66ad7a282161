// Package ssh runs the stratus agent on a remote docker host over SSH.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/stratus-paas/stratus/pkg/telemetry"
)

// AgentTransport starts the agent as a remote command and exposes the
// session's stdio. It satisfies the agent client's Transport interface.
type AgentTransport struct {
	Config *Config
	// Command is the remote command line, see Command.
	Command string
	// Stderr receives the agent's stderr. Nil discards it.
	Stderr io.Writer
	Logger *telemetry.Logger

	mu      sync.Mutex
	client  *ssh.Client
	session *ssh.Session
	exited  chan error
	done    chan struct{}
}

// Start implements the agent client's Transport.
func (t *AgentTransport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	if t.Config == nil {
		return nil, nil, errors.New("ssh config is required")
	}
	if err := t.Config.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	if t.Logger == nil {
		t.Logger = telemetry.NopLogger()
	}

	client, err := t.dial(ctx)
	if err != nil {
		return nil, nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to open session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, nil, err
	}
	// Wait copies stdout into the pipe until the command exits, so the
	// reader sees every line before EOF.
	stdout, pw := io.Pipe()
	session.Stdout = pw
	if t.Stderr != nil {
		session.Stderr = t.Stderr
	}
	if err := session.Start(t.Command); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to start %q on %s: %w", t.Command, t.Config.Address(), err)
	}

	t.mu.Lock()
	t.client = client
	t.session = session
	t.exited = make(chan error, 1)
	t.done = make(chan struct{})
	t.mu.Unlock()

	go func() {
		err := session.Wait()
		_ = pw.Close()
		t.exited <- err
	}()
	if t.Config.KeepAliveInterval > 0 {
		go t.keepAlive(client, t.done)
	}

	t.Logger.WithField("host", t.Config.Address()).Info("Agent started over ssh")
	return stdin, stdout, nil
}

func (t *AgentTransport) dial(ctx context.Context) (*ssh.Client, error) {
	clientConfig, err := t.Config.BuildSSHClientConfig()
	if err != nil {
		return nil, err
	}

	addr := t.Config.Address()
	dialer := net.Dialer{Timeout: t.Config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// keepAlive drops the connection after MaxKeepAliveRetries consecutive
// failures, which surfaces to the agent client as EOF on stdout.
func (t *AgentTransport) keepAlive(client *ssh.Client, done <-chan struct{}) {
	ticker := time.NewTicker(t.Config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			failures++
			t.Logger.WithError(err).Warnf("ssh keep-alive failed (%d/%d)", failures, t.Config.MaxKeepAliveRetries)
			if failures >= t.Config.MaxKeepAliveRetries {
				_ = client.Close()
				return
			}
			continue
		}
		failures = 0
	}
}

// Stop waits for the remote agent to exit, then closes the connection.
// After the grace period the session gets SIGKILL and is torn down.
func (t *AgentTransport) Stop(grace time.Duration) error {
	t.mu.Lock()
	client, session, exited, done := t.client, t.session, t.exited, t.done
	t.client, t.session = nil, nil
	t.mu.Unlock()
	if session == nil {
		return nil
	}
	defer func() {
		close(done)
		_ = client.Close()
	}()

	var err error
	select {
	case err = <-exited:
	case <-time.After(grace):
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-exited
		return fmt.Errorf("agent did not exit within %s, killed", grace)
	}

	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		// The server closed the channel without reporting a status.
		return nil
	}
	return err
}

// Command joins the agent path and its arguments into a POSIX shell
// command line.
func Command(path string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{path}, args...) {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@,+", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
