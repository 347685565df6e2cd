package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opencontextgraph/voicebridge/internal/observability"
	"github.com/opencontextgraph/voicebridge/internal/protocol"
	"github.com/opencontextgraph/voicebridge/internal/reliability"
	"github.com/opencontextgraph/voicebridge/internal/toolschema"
)

// CloseError describes why the signaling channel terminated. Retryable
// closures (restarts, network faults) are worth a reconnect with the same
// session config; schema and policy violations are not.
type CloseError struct {
	Code      int
	Reason    string
	Retryable bool
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("signaling closed (%d): %s", e.Code, e.Reason)
}

// Event is one item delivered to the session loop: either a parsed inbound
// message or the terminal close.
type Event struct {
	Message any
	Close   *CloseError
}

// Config configures a signaling channel to the voice service.
type Config struct {
	URL            string
	APIKey         string
	Heartbeat      time.Duration
	MaxConfigBytes int
	EventBuffer    int
}

func (c *Config) applyDefaults() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.MaxConfigBytes <= 0 {
		c.MaxConfigBytes = 128 * 1024
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
}

// Channel is a websocket control-plane connection to the voice service.
// Reads are owned by a single goroutine feeding Events; writes from any
// goroutine are serialized behind a mutex.
type Channel struct {
	cfg       Config
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan Event
	log       *zap.Logger
	metrics   *observability.Metrics
}

// Dial connects and starts the read and heartbeat loops.
func Dial(ctx context.Context, cfg Config, log *zap.Logger, metrics *observability.Metrics) (*Channel, error) {
	cfg.applyDefaults()

	headers := http.Header{}
	if cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("dial signaling websocket: %w", err)
	}

	ch := &Channel{
		cfg:     cfg,
		conn:    conn,
		events:  make(chan Event, cfg.EventBuffer),
		log:     log,
		metrics: metrics,
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * cfg.Heartbeat))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * cfg.Heartbeat))
	})

	go ch.readLoop()
	go ch.heartbeatLoop()
	return ch, nil
}

// Events delivers inbound messages and the terminal close. The channel is
// closed after the close event.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// SendSessionUpdate validates and sends the session configuration. Every
// advertised tool must be flat and primitive-typed, and the whole payload
// must fit under the size cap; the voice service hard-rejects anything else
// at connect time, so failing locally gives a better error.
func (c *Channel) SendSessionUpdate(cfg protocol.SessionConfig) error {
	for _, tool := range cfg.Tools {
		if err := validateRemoteTool(tool); err != nil {
			return fmt.Errorf("session config invalid: %w", err)
		}
	}
	payload, err := json.Marshal(protocol.NewSessionUpdate(cfg))
	if err != nil {
		return fmt.Errorf("marshal session.update: %w", err)
	}
	if len(payload) > c.cfg.MaxConfigBytes {
		return fmt.Errorf("session config invalid: payload %d bytes exceeds cap %d", len(payload), c.cfg.MaxConfigBytes)
	}
	return c.writeRaw(protocol.TypeSessionUpdate, payload)
}

// SendFunctionCallResult forwards a tool outcome.
func (c *Channel) SendFunctionCallResult(res protocol.FunctionCallResult) error {
	return c.writeJSON(protocol.TypeFunctionCallResult, res)
}

// SendFiller asks the service to speak a holding phrase.
func (c *Channel) SendFiller(text string) error {
	return c.writeJSON(protocol.TypeResponseFiller, protocol.NewResponseFiller(text))
}

// SendClose notifies the service the session is ending.
func (c *Channel) SendClose(code int, reason string) error {
	return c.writeJSON(protocol.TypeSessionClose, protocol.NewSessionClose(code, reason))
}

// Close tears the connection down. The read loop publishes the close event.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) writeJSON(t protocol.MessageType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", t, err)
	}
	return c.writeRaw(t, payload)
}

func (c *Channel) writeRaw(t protocol.MessageType, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s: %w", t, err)
	}
	c.countMessage("out", string(t))
	return nil
}

func (c *Channel) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.events <- Event{Close: classifyReadError(err)}
			_ = c.conn.Close()
			return
		}

		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnsupportedType) {
				// Forward-compatible: unknown inbound types are skipped.
				continue
			}
			c.log.Warn("dropping malformed signaling message", zap.Error(err))
			continue
		}

		if env, ok := msg.(protocol.SessionClose); ok {
			c.countMessage("in", string(protocol.TypeSessionClose))
			c.events <- Event{Close: &CloseError{
				Code:      env.Code,
				Reason:    env.Reason,
				Retryable: reliability.IsRetryableCloseCode(env.Code),
			}}
			_ = c.conn.Close()
			return
		}

		switch msg.(type) {
		case protocol.TranscriptDelta:
			c.countMessage("in", string(protocol.TypeTranscriptDelta))
		case protocol.FunctionCallRequest:
			c.countMessage("in", string(protocol.TypeFunctionCallRequest))
		}
		c.events <- Event{Message: msg}
	}
}

func (c *Channel) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for range ticker.C {
		c.writeMu.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// classifyReadError maps a websocket read failure to a CloseError. A missed
// heartbeat surfaces as a read deadline error and is retryable.
func classifyReadError(err error) *CloseError {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return &CloseError{
			Code:      closeErr.Code,
			Reason:    closeErr.Text,
			Retryable: reliability.IsRetryableCloseCode(closeErr.Code),
		}
	}
	return &CloseError{
		Code:      websocket.CloseAbnormalClosure,
		Reason:    err.Error(),
		Retryable: true,
	}
}

func (c *Channel) countMessage(direction, msgType string) {
	if c.metrics != nil {
		c.metrics.SignalingMessages.WithLabelValues(direction, msgType).Inc()
	}
}

// validateRemoteTool rejects tool advertisements the voice service cannot
// accept. Translation should already guarantee this shape; the check guards
// against callers bypassing the translator.
func validateRemoteTool(tool toolschema.RemoteTool) error {
	if strings.TrimSpace(tool.Name) == "" {
		return errors.New("tool with empty name")
	}
	for _, f := range tool.Fields {
		switch f.Type {
		case toolschema.TypeString, toolschema.TypeNumber, toolschema.TypeInteger, toolschema.TypeBoolean:
		case toolschema.TypeArray:
			switch f.Elem {
			case toolschema.TypeString, toolschema.TypeNumber, toolschema.TypeInteger, toolschema.TypeBoolean:
			default:
				return fmt.Errorf("tool %q field %q: array element type %q not allowed", tool.Name, f.Name, f.Elem)
			}
		default:
			return fmt.Errorf("tool %q field %q: type %q not allowed", tool.Name, f.Name, f.Type)
		}
	}
	return nil
}
