package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/seenimoa/efundkyc/internal/agent"
	"github.com/seenimoa/efundkyc/internal/metrics"
)

// SessionFactory creates the session for a new ID.
type SessionFactory func(id string) (*agent.Session, error)

// SessionEntry is a registered session plus the lock that serializes its
// messages. Every caller that mutates the session goes through Do.
type SessionEntry struct {
	mu      sync.Mutex
	session *agent.Session
}

// Do runs fn with exclusive access to the session.
func (e *SessionEntry) Do(fn func(*agent.Session) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.session)
}

// Session returns the session for read-only use.
func (e *SessionEntry) Session() *agent.Session { return e.session }

// SessionRegistry maps session IDs to sessions, bounded by an LRU. A
// session leaving the registry, by removal or eviction, has its memory
// cleared once its in-flight message finishes. The clearing never holds up
// other sessions.
type SessionRegistry struct {
	mu      sync.Mutex // serializes create so one ID never gets two sessions
	cache   *lru.Cache[string, *SessionEntry]
	factory SessionFactory
	metrics *metrics.Metrics
	logger  *zap.Logger

	relMu     sync.Mutex
	releasing map[string]chan struct{} // closed when the ID's memory is cleared
}

// NewSessionRegistry creates a registry holding at most size sessions.
func NewSessionRegistry(size int, factory SessionFactory, m *metrics.Metrics, logger *zap.Logger) (*SessionRegistry, error) {
	if factory == nil {
		return nil, errors.New("api: nil session factory")
	}
	if size <= 0 {
		size = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &SessionRegistry{
		factory:   factory,
		metrics:   m,
		logger:    logger,
		releasing: make(map[string]chan struct{}),
	}
	cache, err := lru.NewWithEvict(size, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("api: session cache: %w", err)
	}
	r.cache = cache
	return r, nil
}

// Get returns the entry for id, if registered.
func (r *SessionRegistry) Get(id string) (*SessionEntry, bool) {
	return r.cache.Get(id)
}

// GetOrCreate returns the entry for id, creating the session on first use.
func (r *SessionRegistry) GetOrCreate(id string) (*SessionEntry, error) {
	if id == "" {
		return nil, agent.ErrEmptySession
	}
	if e, ok := r.cache.Get(id); ok {
		return e, nil
	}
	// a previous session under this ID must finish clearing its memory
	// before a new one starts writing to it
	r.awaitRelease(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.cache.Get(id); ok {
		return e, nil
	}
	sess, err := r.factory(id)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	e := &SessionEntry{session: sess}
	r.cache.Add(id, e)
	r.metrics.SetActiveSessions(r.cache.Len())
	r.logger.Debug("session created", zap.String("session_id", id))
	return e, nil
}

// Remove drops id from the registry and waits until its memory is cleared.
// It reports whether id was present.
func (r *SessionRegistry) Remove(id string) bool {
	ok := r.cache.Remove(id)
	r.metrics.SetActiveSessions(r.cache.Len())
	r.awaitRelease(id)
	return ok
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	return r.cache.Len()
}

// onEvict runs inside cache.Add and cache.Remove, possibly with r.mu held,
// so the reset happens on its own goroutine.
func (r *SessionRegistry) onEvict(id string, e *SessionEntry) {
	done := make(chan struct{})
	r.relMu.Lock()
	prev := r.releasing[id]
	r.releasing[id] = done
	r.relMu.Unlock()

	go func() {
		defer func() {
			r.relMu.Lock()
			if r.releasing[id] == done {
				delete(r.releasing, id)
			}
			r.relMu.Unlock()
			close(done)
		}()
		if prev != nil {
			<-prev
		}
		r.release(id, e)
	}()
}

// release waits for a message still running on the session, then clears
// its memory.
func (r *SessionRegistry) release(id string, e *SessionEntry) {
	err := e.Do(func(sess *agent.Session) error {
		return sess.Reset(context.Background())
	})
	if err != nil {
		r.logger.Warn("clearing session memory failed", zap.String("session_id", id), zap.Error(err))
	}
	r.logger.Debug("session released", zap.String("session_id", id))
}

func (r *SessionRegistry) awaitRelease(id string) {
	r.relMu.Lock()
	done := r.releasing[id]
	r.relMu.Unlock()
	if done != nil {
		<-done
	}
}
