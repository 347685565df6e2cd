package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a bridge session. A session starts in
// Initializing while transport and signaling come up, spends most of its life
// in Active, may pass through Reconnecting after a retryable disconnect, and
// ends in Terminated.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateReconnecting State = "reconnecting"
	StateTerminated   State = "terminated"
)

var (
	ErrNotFound   = errors.New("session not found")
	ErrTerminated = errors.New("session already terminated")
)

type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Persona        string    `json:"persona"`
	Voice          string    `json:"voice"`
	State          State     `json:"state"`
	ReconnectCount int       `json:"reconnect_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Manager is the registry of live sessions. All state mutation goes through
// Manager methods; callers only ever see clones.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
	}
}

// SetExpireHook registers a callback invoked for sessions the janitor ends.
// Used to tear down the session's bridge runner.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(userID, persona, voice string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Persona:        persona,
		Voice:          voice,
		State:          StateInitializing,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Activate moves a session into Active, either from Initializing once the
// media path is connected or from Reconnecting once signaling is restored.
func (m *Manager) Activate(sessionID string) error {
	return m.transition(sessionID, StateActive, StateInitializing, StateReconnecting)
}

// MarkReconnecting records a retryable disconnect.
func (m *Manager) MarkReconnecting(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.State == StateTerminated {
		return ErrTerminated
	}
	s.State = StateReconnecting
	s.ReconnectCount++
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// End terminates a session. Ending an already-terminated session is an error
// so double teardown is visible to callers.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.State == StateTerminated {
		return nil, ErrTerminated
	}
	s.State = StateTerminated
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

func (m *Manager) transition(sessionID string, to State, from ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	for _, f := range from {
		if s.State == f {
			s.State = to
			s.LastActivityAt = time.Now().UTC()
			return nil
		}
	}
	if s.State == StateTerminated {
		return ErrTerminated
	}
	return fmt.Errorf("invalid transition %s -> %s", s.State, to)
}

// StartJanitor ends sessions idle past the inactivity timeout.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.State == StateActive || s.State == StateReconnecting {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.State == StateTerminated {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.State = StateTerminated
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
