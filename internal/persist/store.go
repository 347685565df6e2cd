package persist

import (
	"context"
	"sync"
	"time"
)

// TurnKind distinguishes transcript turns from synthetic ones.
type TurnKind string

const (
	KindSpeech TurnKind = "speech"
	KindFiller TurnKind = "filler"
	KindTool   TurnKind = "tool"
)

// Turn is one completed conversational turn ready for durable storage.
// Content has already been through redaction by the time a Turn reaches a
// store.
type Turn struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id"`
	Seq       int      `json:"seq"`
	Role      string   `json:"role"`
	Kind      TurnKind `json:"kind"`
	Content   string   `json:"content"`
	ToolName  string   `json:"tool_name,omitempty"`
	// ToolCallID ties tool and filler turns to the function call that
	// produced them.
	ToolCallID  string    `json:"tool_call_id,omitempty"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// TurnStore appends turn batches to durable storage.
type TurnStore interface {
	AppendTurns(ctx context.Context, sessionID string, turns []Turn) error
	Close() error
}

// MemoryStore keeps turns in memory, for development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	turns map[string][]Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: make(map[string][]Turn)}
}

func (s *MemoryStore) AppendTurns(_ context.Context, sessionID string, turns []Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[sessionID] = append(s.turns[sessionID], turns...)
	return nil
}

// Turns returns a copy of the stored turns for a session.
func (s *MemoryStore) Turns(sessionID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns[sessionID]))
	copy(out, s.turns[sessionID])
	return out
}

func (s *MemoryStore) Close() error { return nil }
