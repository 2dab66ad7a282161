// Package protocol defines the JSON-over-stdio protocol spoken between the
// runner and the local stratus-agent.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/stratus-paas/stratus/pkg/engine"
)

// MessageType tags an envelope. The runner sends only CMD; the agent sends
// READY once, then EVENT, DONE or ERROR per command, and EXIT last.
type MessageType string

const (
	MessageTypeReady   MessageType = "READY"
	MessageTypeCommand MessageType = "CMD"
	MessageTypeEvent   MessageType = "EVENT"
	MessageTypeDone    MessageType = "DONE"
	MessageTypeError   MessageType = "ERROR"
	MessageTypeExit    MessageType = "EXIT"
)

// CommandType names the operation a CMD asks for.
type CommandType string

const (
	// CommandTypeUpsert creates or updates one resource
	CommandTypeUpsert CommandType = "resource.upsert"
	// CommandTypeDelete removes one resource
	CommandTypeDelete CommandType = "resource.delete"
	// CommandTypeList lists the resources of one kind
	CommandTypeList CommandType = "resource.list"
)

// Error codes sent in ERROR messages, on top of the engine codes.
const (
	CodeInvalidCommand = "INVALID_COMMAND"
	CodeBackendFailed  = "BACKEND_FAILED"
	CodeInitFailed     = "INIT_FAILED"
)

// Message is the envelope of every protocol message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent once the agent can take commands. Kinds lists the
// resource kinds it runs.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Kinds    []engine.Kind     `json:"kinds"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Supports reports whether the agent runs kind.
func (r *ReadyMessage) Supports(kind engine.Kind) bool {
	return slices.Contains(r.Kinds, kind)
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Timeout int             `json:"timeout"` // seconds
	Params  json.RawMessage `json:"params"`
}

// EventMessage carries progress while a command runs.
type EventMessage struct {
	CommandID string `json:"command_id"`
	Level     string `json:"level"` // info, warn, debug
	Message   string `json:"message"`
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates an error occurred.
type ErrorMessage struct {
	CommandID  string `json:"command_id,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

// ExitMessage is sent before the agent terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// UpsertParams are the parameters of resource.upsert.
type UpsertParams struct {
	Resource *engine.Resource `json:"resource"`
}

// UpsertResult reports whether the upsert changed anything.
type UpsertResult struct {
	Changed bool   `json:"changed"`
	Action  string `json:"action"` // created, replaced, unchanged, stopped
}

// DeleteParams are the parameters of resource.delete.
type DeleteParams struct {
	Kind engine.Kind `json:"kind"`
	ID   uuid.UUID   `json:"id"`
}

// DeleteResult reports how many containers were removed.
type DeleteResult struct {
	Removed int `json:"removed"`
}

// ListParams are the parameters of resource.list.
type ListParams struct {
	Kind engine.Kind `json:"kind"`
}

// ListResult lists the running resource IDs of one kind.
type ListResult struct {
	IDs []uuid.UUID `json:"ids"`
}

var (
	messageTypes = []MessageType{MessageTypeReady, MessageTypeCommand, MessageTypeEvent, MessageTypeDone, MessageTypeError, MessageTypeExit}
	commandTypes = []CommandType{CommandTypeUpsert, CommandTypeDelete, CommandTypeList}
	eventLevels  = []string{"debug", "info", "warn"}
)

func (mt MessageType) Validate() error {
	if !slices.Contains(messageTypes, mt) {
		return fmt.Errorf("invalid message type: %s", mt)
	}
	return nil
}

func (ct CommandType) Validate() error {
	if !slices.Contains(commandTypes, ct) {
		return fmt.Errorf("invalid command type: %s", ct)
	}
	return nil
}

// Validate requires an id, a known type, a positive timeout and params.
func (cmd *CommandMessage) Validate() error {
	switch {
	case cmd.ID == "":
		return errors.New("command ID is required")
	case cmd.Timeout <= 0:
		return fmt.Errorf("command %s: timeout must be positive", cmd.ID)
	case len(cmd.Params) == 0:
		return fmt.Errorf("command %s: params are required", cmd.ID)
	}
	return cmd.Type.Validate()
}

// Validate requires a command id and defaults Level to info.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return errors.New("event without command ID")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	if !slices.Contains(eventLevels, evt.Level) {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}

// NewCommand builds a command with marshalled params.
func NewCommand(id string, typ CommandType, timeout time.Duration, params any) (*CommandMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return &CommandMessage{
		ID:      id,
		Type:    typ,
		Timeout: max(int(timeout.Seconds()), 1),
		Params:  raw,
	}, nil
}
