package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// maxLineSize bounds one message. Config mounts travel inline.
const maxLineSize = 10 * 1024 * 1024

// ErrStreamBroken is returned once the underlying reader has failed. No
// further message can be decoded.
var ErrStreamBroken = errors.New("protocol stream broken")

// validatable payloads are checked before they are written or after they are
// read.
type validatable interface {
	Validate() error
}

// Encoder writes newline-delimited messages. It is safe for concurrent use;
// every message is flushed as one line.
type Encoder struct {
	mu  sync.Mutex
	w   *bufio.Writer
	now func() time.Time
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w), now: time.Now}
}

// Encode wraps data in a Message envelope of type msgType and writes it.
// Payloads with a Validate method are validated first.
func (e *Encoder) Encode(msgType MessageType, data any) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}
	if v, ok := data.(validatable); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid %s payload: %w", msgType, err)
		}
	}

	env := Message{Type: msgType, Timestamp: e.now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		env.Data = raw
	}
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", msgType, err)
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", msgType, err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", msgType, err)
	}
	return nil
}

func (e *Encoder) EncodeReady(m *ReadyMessage) error     { return e.Encode(MessageTypeReady, m) }
func (e *Encoder) EncodeCommand(m *CommandMessage) error { return e.Encode(MessageTypeCommand, m) }
func (e *Encoder) EncodeEvent(m *EventMessage) error     { return e.Encode(MessageTypeEvent, m) }
func (e *Encoder) EncodeDone(m *DoneMessage) error       { return e.Encode(MessageTypeDone, m) }
func (e *Encoder) EncodeError(m *ErrorMessage) error     { return e.Encode(MessageTypeError, m) }
func (e *Encoder) EncodeExit(m *ExitMessage) error       { return e.Encode(MessageTypeExit, m) }

// Decoder reads newline-delimited messages. Blank lines between messages are
// skipped.
type Decoder struct {
	s *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{s: s}
}

// Decode reads the next message envelope. It returns io.EOF at a clean end
// of stream and ErrStreamBroken when the reader fails or a line exceeds the
// size limit.
func (d *Decoder) Decode() (*Message, error) {
	for d.s.Scan() {
		line := bytes.TrimSpace(d.s.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("malformed message: %w", err)
		}
		if err := msg.Type.Validate(); err != nil {
			return nil, fmt.Errorf("invalid message: %w", err)
		}
		return &msg, nil
	}
	if err := d.s.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStreamBroken, err)
	}
	return nil, io.EOF
}

// DecodeCommand reads the next message and requires it to be a valid CMD.
func (d *Decoder) DecodeCommand() (*CommandMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeCommand {
		return nil, fmt.Errorf("expected %s message, got %s", MessageTypeCommand, msg.Type)
	}
	var cmd CommandMessage
	if err := ParseParams(msg.Data, &cmd); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	return &cmd, nil
}

// ParseParams unmarshals command parameters or message data into target.
// Unknown fields are ignored so an older agent can serve a newer runner.
func ParseParams(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to parse params: %w", err)
	}
	return nil
}
