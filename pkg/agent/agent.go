// Package agent implements the stratus-agent: a local process that receives
// resource commands over stdio and applies them with the docker CLI.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/stratus-paas/stratus/pkg/agent/handlers"
	"github.com/stratus-paas/stratus/pkg/agent/protocol"
	"github.com/stratus-paas/stratus/pkg/telemetry"
)

// Version is reported in the READY message.
var Version = "dev"

// Agent serves protocol commands.
type Agent struct {
	resources    *handlers.ResourceHandler
	logger       *telemetry.Logger
	commandCount int
}

// New creates an agent around a resource handler.
func New(resources *handlers.ResourceHandler, logger *telemetry.Logger) *Agent {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Agent{
		resources: resources,
		logger:    logger.NewComponentLogger("agent"),
	}
}

// Serve sends READY, then executes commands from r until r is closed or ctx is
// cancelled, and finally sends EXIT. Commands run one at a time.
func (a *Agent) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	enc := protocol.NewEncoder(w)
	dec := protocol.NewDecoder(r)

	if err := enc.EncodeReady(&protocol.ReadyMessage{
		Version:  Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Kinds:    handlers.SupportedKinds,
	}); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	type decoded struct {
		cmd *protocol.CommandMessage
		err error
	}
	cmds := make(chan decoded)
	go func() {
		for {
			cmd, err := dec.DecodeCommand()
			select {
			case cmds <- decoded{cmd, err}:
			case <-ctx.Done():
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrStreamBroken) {
				return
			}
		}
	}()

	reason, exitCode := "stdin_closed", 0
loop:
	for {
		select {
		case <-ctx.Done():
			reason = "shutdown"
			break loop
		case d := <-cmds:
			if errors.Is(d.err, io.EOF) {
				break loop
			}
			if errors.Is(d.err, protocol.ErrStreamBroken) {
				a.logger.WithError(d.err).Error("command stream failed")
				reason, exitCode = "stream_failed", 1
				break loop
			}
			if d.err != nil {
				// The stream is still usable after a malformed line.
				a.logger.WithError(d.err).Warn("rejected command")
				if err := enc.EncodeError(&protocol.ErrorMessage{
					Code:    protocol.CodeInvalidCommand,
					Message: d.err.Error(),
				}); err != nil {
					reason, exitCode = "write_failed", 1
					break loop
				}
				continue
			}
			if err := a.execute(ctx, enc, d.cmd); err != nil {
				a.logger.WithError(err).Error("failed to send response")
				reason, exitCode = "write_failed", 1
				break loop
			}
		}
	}

	a.logger.Infof("exiting (%s) after %d commands", reason, a.commandCount)
	if err := enc.EncodeExit(&protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: a.commandCount,
	}); err != nil && exitCode == 0 {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("agent stopped: %s", reason)
	}
	return nil
}

// execute runs one command and writes its DONE or ERROR reply.
func (a *Agent) execute(ctx context.Context, enc *protocol.Encoder, cmd *protocol.CommandMessage) error {
	a.commandCount++
	logger := a.logger.WithField("command_id", cmd.ID).WithField("command", string(cmd.Type))

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	eventCh := make(chan *protocol.EventMessage, 10)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range eventCh {
			evt.CommandID = cmd.ID
			_ = enc.EncodeEvent(evt)
		}
	}()

	timer := telemetry.NewTimer()
	result, err := a.handle(cmdCtx, cmd, eventCh)
	close(eventCh)
	<-done

	if err != nil {
		logger.WithError(err).Warn("command failed")
		errMsg := &protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.CodeBackendFailed,
			Message:   err.Error(),
			Retryable: true,
		}
		var cmdErr *handlers.CommandError
		if errors.As(err, &cmdErr) {
			errMsg.Code, errMsg.Message, errMsg.Retryable = cmdErr.Code, cmdErr.Message, false
		}
		return enc.EncodeError(errMsg)
	}

	logger.Debugf("command completed in %s", timer.Duration())
	return enc.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  timer.Duration().Seconds(),
	})
}

func (a *Agent) handle(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (json.RawMessage, error) {
	switch cmd.Type {
	case protocol.CommandTypeUpsert:
		var params protocol.UpsertParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, &handlers.CommandError{Code: protocol.CodeInvalidCommand, Message: err.Error()}
		}
		return marshal(a.resources.Upsert(ctx, &params, eventCh))

	case protocol.CommandTypeDelete:
		var params protocol.DeleteParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, &handlers.CommandError{Code: protocol.CodeInvalidCommand, Message: err.Error()}
		}
		return marshal(a.resources.Delete(ctx, &params))

	case protocol.CommandTypeList:
		var params protocol.ListParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, &handlers.CommandError{Code: protocol.CodeInvalidCommand, Message: err.Error()}
		}
		return marshal(a.resources.List(ctx, &params))

	default:
		return nil, &handlers.CommandError{Code: protocol.CodeInvalidCommand, Message: fmt.Sprintf("unsupported command type: %s", cmd.Type)}
	}
}

func marshal[T any](v T, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
