// Package agent implements the conversational layer of the advisory
// backend: per-session chat memory, the intent router, the chat fallback,
// and the Session that routes each message to the KYC workflow or to chat.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/seenimoa/efundkyc/internal/llm"
)

// ErrEmptySession is returned when a store is addressed with no session ID.
var ErrEmptySession = errors.New("agent: empty session id")

// ── Store ──

// Store is an append-only log of role-tagged messages per session.
type Store interface {
	// Append adds msgs to the end of the session's log.
	Append(ctx context.Context, sessionID string, msgs ...llm.Message) error

	// Messages returns the whole log, oldest first.
	Messages(ctx context.Context, sessionID string) ([]llm.Message, error)

	// Clear deletes the session's log.
	Clear(ctx context.Context, sessionID string) error
}

// InMemoryStore keeps logs in process memory.
type InMemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]llm.Message
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{logs: make(map[string][]llm.Message)}
}

// Append implements Store.
func (s *InMemoryStore) Append(_ context.Context, sessionID string, msgs ...llm.Message) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[sessionID] = append(s.logs[sessionID], msgs...)
	return nil
}

// Messages implements Store.
func (s *InMemoryStore) Messages(_ context.Context, sessionID string) ([]llm.Message, error) {
	if sessionID == "" {
		return nil, ErrEmptySession
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[sessionID]
	result := make([]llm.Message, len(log))
	copy(result, log)
	return result, nil
}

// Clear implements Store.
func (s *InMemoryStore) Clear(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, sessionID)
	return nil
}

// ── Memory ──

// Memory is one session's view of a Store, with a sliding window for
// building chat prompts.
type Memory struct {
	store     Store
	sessionID string
	window    int // most recent messages fed to the model
}

// NewMemory binds a session to store. A window of zero or less means 20.
func NewMemory(store Store, sessionID string, window int) *Memory {
	if window <= 0 {
		window = 20
	}
	return &Memory{store: store, sessionID: sessionID, window: window}
}

// SessionID returns the session the memory is bound to.
func (m *Memory) SessionID() string { return m.sessionID }

// Add appends messages to the session log.
func (m *Memory) Add(ctx context.Context, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := m.store.Append(ctx, m.sessionID, msgs...); err != nil {
		return fmt.Errorf("memory append: %w", err)
	}
	return nil
}

// Messages returns the full session log.
func (m *Memory) Messages(ctx context.Context) ([]llm.Message, error) {
	msgs, err := m.store.Messages(ctx, m.sessionID)
	if err != nil {
		return nil, fmt.Errorf("memory read: %w", err)
	}
	return msgs, nil
}

// Recent returns at most the last window messages.
func (m *Memory) Recent(ctx context.Context) ([]llm.Message, error) {
	msgs, err := m.Messages(ctx)
	if err != nil {
		return nil, err
	}
	if len(msgs) > m.window {
		msgs = msgs[len(msgs)-m.window:]
	}
	return msgs, nil
}

// Clear deletes the session log.
func (m *Memory) Clear(ctx context.Context) error {
	if err := m.store.Clear(ctx, m.sessionID); err != nil {
		return fmt.Errorf("memory clear: %w", err)
	}
	return nil
}
