// Package client drives a stratus-agent process from the runner.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratus-paas/stratus/pkg/agent/protocol"
	"github.com/stratus-paas/stratus/pkg/telemetry"
)

// ErrAgentExited is returned once the agent has sent EXIT or closed stdout.
var ErrAgentExited = errors.New("agent exited")

// ErrClosed is returned by a closed client.
var ErrClosed = errors.New("client is closed")

// Transport starts the agent and hands back its stdio.
type Transport interface {
	// Start launches the agent process.
	Start(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Stop waits for the process to exit, killing it after the grace period.
	Stop(grace time.Duration) error
}

// RemoteError is an ERROR reply from the agent.
type RemoteError struct {
	Code       string
	Message    string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent error %s: %s", e.Code, e.Message)
}

// Config contains client configuration options.
type Config struct {
	Transport      Transport
	StartupTimeout time.Duration
	// CommandTimeout applies when the caller's context has no deadline.
	CommandTimeout time.Duration
	Logger         *telemetry.Logger
}

// Client talks to one agent. Commands are serialized.
type Client struct {
	cfg    Config
	logger *telemetry.Logger

	mu     sync.Mutex
	enc    *protocol.Encoder
	stdin  io.WriteCloser
	msgs   chan *protocol.Message
	ready  *protocol.ReadyMessage
	closed bool

	readErr error
	seq     atomic.Uint64
}

// New creates a client. Start must be called before Execute.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Client{cfg: cfg, logger: logger.NewComponentLogger("agent-client")}, nil
}

// Start launches the agent and waits for its READY message.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	stdin, stdout, err := c.cfg.Transport.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	c.stdin = stdin
	c.enc = protocol.NewEncoder(stdin)
	c.msgs = make(chan *protocol.Message, 16)
	go c.readLoop(protocol.NewDecoder(stdout))

	timer := time.NewTimer(c.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout waiting for READY message")
	case msg, ok := <-c.msgs:
		if !ok {
			return fmt.Errorf("failed to receive READY: %w", c.readErr)
		}
		if msg.Type != protocol.MessageTypeReady {
			return fmt.Errorf("expected READY, got %s", msg.Type)
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseParams(msg.Data, &ready); err != nil {
			return err
		}
		c.ready = &ready
		c.logger.Infof("agent %s ready (pid %d, %s/%s)", ready.Version, ready.PID, ready.Platform, ready.Arch)
		return nil
	}
}

// readLoop forwards decoded messages until the stream ends. readErr is set
// before msgs is closed.
func (c *Client) readLoop(dec *protocol.Decoder) {
	defer close(c.msgs)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrAgentExited
			}
			c.readErr = err
			return
		}
		c.msgs <- msg
	}
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Execute sends one command and decodes the DONE result into result, which
// may be nil.
func (c *Client) Execute(ctx context.Context, typ protocol.CommandType, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.enc == nil {
		return fmt.Errorf("agent not started")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()

	id := "cmd-" + strconv.FormatUint(c.seq.Add(1), 10)
	cmd, err := protocol.NewCommand(id, typ, time.Until(deadline), params)
	if err != nil {
		return err
	}
	if err := c.enc.EncodeCommand(cmd); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", id, ctx.Err())
		case msg, ok := <-c.msgs:
			if !ok {
				return fmt.Errorf("failed to read response: %w", c.readErr)
			}
			done, err := c.handle(id, msg, result)
			if done {
				return err
			}
		}
	}
}

// handle processes one message while waiting for command id. It reports
// whether the command has finished.
func (c *Client) handle(id string, msg *protocol.Message, result any) (bool, error) {
	switch msg.Type {
	case protocol.MessageTypeEvent:
		var event protocol.EventMessage
		if err := protocol.ParseParams(msg.Data, &event); err != nil {
			return true, fmt.Errorf("failed to parse event: %w", err)
		}
		c.logger.WithField("command_id", event.CommandID).Debug(event.Message)
		return false, nil

	case protocol.MessageTypeDone:
		var done protocol.DoneMessage
		if err := protocol.ParseParams(msg.Data, &done); err != nil {
			return true, fmt.Errorf("failed to parse done: %w", err)
		}
		if done.CommandID != id {
			// Reply to a command whose caller already gave up.
			c.logger.Warnf("discarding stale reply to %s", done.CommandID)
			return false, nil
		}
		if result != nil && len(done.Result) > 0 {
			if err := protocol.ParseParams(done.Result, result); err != nil {
				return true, fmt.Errorf("failed to parse result: %w", err)
			}
		}
		return true, nil

	case protocol.MessageTypeError:
		var errMsg protocol.ErrorMessage
		if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
			return true, fmt.Errorf("failed to parse error: %w", err)
		}
		if errMsg.CommandID != "" && errMsg.CommandID != id {
			c.logger.Warnf("discarding stale error for %s", errMsg.CommandID)
			return false, nil
		}
		return true, &RemoteError{
			Code:       errMsg.Code,
			Message:    errMsg.Message,
			Retryable:  errMsg.Retryable,
			RetryAfter: time.Duration(errMsg.RetryAfter) * time.Second,
		}

	case protocol.MessageTypeExit:
		var exit protocol.ExitMessage
		_ = protocol.ParseParams(msg.Data, &exit)
		return true, fmt.Errorf("%w: %s", ErrAgentExited, exit.Reason)

	default:
		return true, fmt.Errorf("unexpected message type: %s", msg.Type)
	}
}

// Close closes the agent's stdin, which ends its command loop, and waits for
// the process.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
	}
	if err := c.cfg.Transport.Stop(5 * time.Second); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ProcessTransport runs the agent as a local child process.
type ProcessTransport struct {
	Path string
	Args []string
	// Stderr receives the agent's logs. Defaults to os.Stderr.
	Stderr io.Writer

	cmd    *exec.Cmd
	exited chan error
}

// Start implements Transport.
func (p *ProcessTransport) Start(context.Context) (io.WriteCloser, io.ReadCloser, error) {
	cmd := exec.Command(p.Path, p.Args...)
	cmd.Stderr = p.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	// Wait copies stdout into the pipe until the process exits, so the reader
	// sees every line before EOF.
	stdout, pw := io.Pipe()
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to exec %s: %w", p.Path, err)
	}

	p.cmd = cmd
	p.exited = make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		p.exited <- err
	}()
	return stdin, stdout, nil
}

// Stop implements Transport.
func (p *ProcessTransport) Stop(grace time.Duration) error {
	if p.cmd == nil {
		return nil
	}
	select {
	case err := <-p.exited:
		return err
	case <-time.After(grace):
		_ = p.cmd.Process.Kill()
		<-p.exited
		return fmt.Errorf("agent did not exit within %s, killed", grace)
	}
}
