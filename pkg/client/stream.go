package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stratus-paas/stratus/pkg/engine"
	"github.com/stratus-paas/stratus/pkg/telemetry"
)

const (
	// DefaultPingTimeout is how long the stream may stay silent, pings
	// included, before it is considered dead.
	DefaultPingTimeout = 2 * time.Minute

	maxMessageSize = 1 << 20
	writeWait      = 5 * time.Second
)

// Dialer opens the control server push stream for one runner.
type Dialer struct {
	cfg         Config
	ws          *websocket.Dialer
	pingTimeout time.Duration
	logger      *telemetry.Logger
}

// NewDialer creates a stream dialer.
func NewDialer(cfg Config) (*Dialer, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Dialer{
		cfg: cfg,
		ws: &websocket.Dialer{
			HandshakeTimeout: cfg.Timeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		pingTimeout: DefaultPingTimeout,
		logger:      cfg.Logger.NewComponentLogger("stream"),
	}, nil
}

// URL returns the websocket endpoint of the runner stream.
func (d *Dialer) URL() (string, error) {
	if d.cfg.StreamURL != "" {
		return d.cfg.StreamURL, nil
	}
	u, err := url.Parse(d.cfg.runnerPath("stream"))
	if err != nil {
		return "", fmt.Errorf("invalid stream URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// Connect dials the stream. Failures are connection errors.
func (d *Dialer) Connect(ctx context.Context) (engine.Stream, error) {
	target, err := d.URL()
	if err != nil {
		return nil, engine.NewFatalError("cannot build stream URL", err)
	}

	conn, resp, err := d.ws.DialContext(ctx, target, d.cfg.header())
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, engine.NewConnectionError("failed to connect to control server stream", err).
			WithCode(engine.ErrCodeControlServer)
	}
	d.logger.Infof("connected to %s", redact(target))

	s := &Stream{conn: conn, logger: d.logger, pingTimeout: d.pingTimeout, closed: make(chan struct{})}
	conn.SetReadLimit(maxMessageSize)
	s.extendDeadline()
	conn.SetPingHandler(func(data string) error {
		s.extendDeadline()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return s, nil
}

// Stream is one connected push stream.
type Stream struct {
	conn        *websocket.Conn
	logger      *telemetry.Logger
	pingTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *Stream) extendDeadline() {
	if s.pingTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pingTimeout))
	}
}

// Recv returns the next resource event. Messages that are not resource
// events are logged and skipped.
func (s *Stream) Recv() (engine.Event, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				return engine.Event{}, io.EOF
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return engine.Event{}, io.EOF
			}
			return engine.Event{}, engine.NewTransientError("stream read failed", err).
				WithCode(engine.ErrCodeControlServer)
		}
		s.extendDeadline()

		ev, err := decodeEvent(data)
		if err != nil {
			s.logger.WithError(err).Warn("ignoring stream message")
			continue
		}
		return ev, nil
	}
}

// Close sends a close frame and releases the connection.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = s.conn.Close()
	})
	return err
}

func decodeEvent(data []byte) (engine.Event, error) {
	var ev engine.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return engine.Event{}, fmt.Errorf("malformed event: %w", err)
	}
	switch ev.Type {
	case engine.EventResourceCreated, engine.EventResourceUpdated, engine.EventResourceDeleted:
	default:
		return engine.Event{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
	if err := ev.Kind.Validate(); err != nil {
		return engine.Event{}, err
	}
	return ev, nil
}

// redact drops query parameters, which may carry credentials.
func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
