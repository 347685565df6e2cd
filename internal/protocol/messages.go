package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencontextgraph/voicebridge/internal/toolschema"
)

// MessageType identifies signaling payload variants exchanged with the voice
// service.
type MessageType string

const (
	TypeSessionUpdate       MessageType = "session.update"
	TypeTranscriptDelta     MessageType = "transcript.delta"
	TypeFunctionCallRequest MessageType = "function_call.request"
	TypeFunctionCallResult  MessageType = "function_call.result"
	TypeResponseFiller      MessageType = "response.filler"
	TypeSessionClose        MessageType = "session.close"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Mode              string  `json:"mode"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// SessionConfig is the body of a session.update: persona voice, behavioural
// instructions, VAD tuning and the translated tool advertisements.
type SessionConfig struct {
	Voice         string                  `json:"voice"`
	Instructions  string                  `json:"instructions,omitempty"`
	Modalities    []string                `json:"modalities,omitempty"`
	TurnDetection *TurnDetection          `json:"turn_detection,omitempty"`
	Tools         []toolschema.RemoteTool `json:"tools,omitempty"`
}

// SessionUpdate is sent once at session start and again on reconnect.
type SessionUpdate struct {
	Type    MessageType   `json:"type"`
	Session SessionConfig `json:"session"`
}

// TranscriptDelta carries an incremental transcript fragment for either
// speaker. Final marks the end of a turn's transcript.
type TranscriptDelta struct {
	Type   MessageType `json:"type"`
	ItemID string      `json:"item_id"`
	Role   string      `json:"role"`
	Text   string      `json:"text"`
	Final  bool        `json:"final"`
}

const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// FunctionCallRequest asks the bridge to execute a tool on the model's
// behalf. Arguments are raw JSON until sanitized against the tool schema.
type FunctionCallRequest struct {
	Type      MessageType     `json:"type"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// FunctionCallResult returns a tool outcome to the voice service. Exactly one
// of Output or Error is meaningful; a non-empty Error marks a failed call the
// model should explain to the user.
type FunctionCallResult struct {
	Type   MessageType     `json:"type"`
	CallID string          `json:"call_id"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ResponseFiller asks the voice service to speak a short holding phrase while
// a slow tool call completes.
type ResponseFiller struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// SessionClose is sent by either side to end the conversation.
type SessionClose struct {
	Type   MessageType `json:"type"`
	Code   int         `json:"code,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// NewSessionUpdate builds a session.update with the type tag set.
func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: TypeSessionUpdate, Session: cfg}
}

// NewFunctionCallResult builds a successful function_call.result.
func NewFunctionCallResult(callID string, output json.RawMessage) FunctionCallResult {
	return FunctionCallResult{Type: TypeFunctionCallResult, CallID: callID, Output: output}
}

// NewFunctionCallError builds a failed function_call.result.
func NewFunctionCallError(callID, detail string) FunctionCallResult {
	return FunctionCallResult{Type: TypeFunctionCallResult, CallID: callID, Error: detail}
}

// NewResponseFiller builds a response.filler message.
func NewResponseFiller(text string) ResponseFiller {
	return ResponseFiller{Type: TypeResponseFiller, Text: text}
}

// NewSessionClose builds a session.close message.
func NewSessionClose(code int, reason string) SessionClose {
	return SessionClose{Type: TypeSessionClose, Code: code, Reason: reason}
}

// ParseServerMessage decodes a message received from the voice service.
// Only the inbound variants are accepted here; outbound-only types are
// rejected so a confused or hostile peer cannot inject them.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeTranscriptDelta:
		var msg TranscriptDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Role != RoleUser && msg.Role != RoleAgent {
			return nil, fmt.Errorf("invalid transcript.delta role %q", msg.Role)
		}
		return msg, nil
	case TypeFunctionCallRequest:
		var msg FunctionCallRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallID == "" || msg.Name == "" {
			return nil, errors.New("invalid function_call.request")
		}
		return msg, nil
	case TypeSessionClose:
		var msg SessionClose
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
