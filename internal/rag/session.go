package rag

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/chatrecall/pkg/types"
)

// Session holds the bounded conversation history for one chat session.
// History is FIFO: once the bound is reached the oldest turns fall off.
// Sessions are safe for concurrent use.
type Session struct {
	id       string
	maxTurns int

	mu      sync.Mutex
	history []types.ChatTurn
	started time.Time
}

// NewSession creates a session with a fresh UUID and the given history bound.
// Non-positive bounds fall back to 20 turns.
func NewSession(maxTurns int) *Session {
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &Session{
		id:       uuid.NewString(),
		maxTurns: maxTurns,
		started:  time.Now(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Started returns the session creation time.
func (s *Session) Started() time.Time { return s.started }

// History returns a copy of the current turn history, oldest first.
func (s *Session) History() []types.ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ChatTurn, len(s.history))
	copy(out, s.history)
	return out
}

// Len returns the number of turns currently held.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Clear empties the history.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// append records a completed exchange and trims the history to the bound.
// Only called after a successful generation, so a failed request never
// pollutes the session.
func (s *Session) append(question, answer string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history,
		types.ChatTurn{Role: types.RoleUser, Content: question, Timestamp: now},
		types.ChatTurn{Role: types.RoleAssistant, Content: answer, Timestamp: now},
	)
	if len(s.history) > s.maxTurns {
		s.history = s.history[len(s.history)-s.maxTurns:]
	}
}

// recent returns up to n of the most recent turns, oldest first.
func (s *Session) recent(n int) []types.ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || len(s.history) == 0 {
		return nil
	}
	start := len(s.history) - n
	if start < 0 {
		start = 0
	}
	out := make([]types.ChatTurn, len(s.history)-start)
	copy(out, s.history[start:])
	return out
}
