package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/layer-3/sigauth/core"
	"github.com/layer-3/sigauth/ports"
)

var (
	_ ports.ChallengeStore = (*MemoryStore)(nil)
	_ ports.CounterStore   = (*MemoryStore)(nil)
	_ ports.SessionStore   = (*MemoryStore)(nil)
)

type challengeEntry struct {
	challenge core.Challenge
	deadline  time.Time
}

type counter struct {
	count   int
	resetAt time.Time // zero means the window never rolls over
}

// MemoryStore is an in-memory implementation of the challenge, counter and
// session stores. It is suitable for a single instance.
type MemoryStore struct {
	challengesMu sync.Mutex
	challenges   map[string]challengeEntry

	countersMu sync.Mutex
	counters   map[core.RateKey]*counter

	sessionsMu sync.RWMutex
	sessions   map[string]core.Session

	now         func() time.Time
	logger      *slog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides time.Now
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithLogger sets the logger used by the cleanup loop
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(s *MemoryStore) { s.logger = logger }
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		challenges:  make(map[string]challengeEntry),
		counters:    make(map[core.RateKey]*counter),
		sessions:    make(map[string]core.Session),
		now:         time.Now,
		logger:      slog.Default(),
		stopCleanup: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores a challenge, replacing the pending one for the same client
func (s *MemoryStore) Put(ctx context.Context, challenge core.Challenge, ttl time.Duration) error {
	s.challengesMu.Lock()
	defer s.challengesMu.Unlock()

	s.challenges[challenge.ClientID] = challengeEntry{
		challenge: challenge,
		deadline:  s.now().Add(ttl),
	}
	return nil
}

// Take removes and returns the pending challenge for a client
func (s *MemoryStore) Take(ctx context.Context, clientID string) (core.Challenge, error) {
	s.challengesMu.Lock()
	defer s.challengesMu.Unlock()

	entry, ok := s.challenges[clientID]
	if !ok {
		return core.Challenge{}, core.ErrChallengeNotFound
	}
	delete(s.challenges, clientID)

	if !s.now().Before(entry.deadline) {
		return core.Challenge{}, core.ErrChallengeNotFound
	}
	return entry.challenge, nil
}

// Increment counts a call against key if the limit allows it
func (s *MemoryStore) Increment(ctx context.Context, key core.RateKey, limit int, window time.Duration) (core.Decision, error) {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || (!c.resetAt.IsZero() && !now.Before(c.resetAt)) {
		c = &counter{}
		if window > 0 {
			c.resetAt = now.Add(window)
		}
		s.counters[key] = c
	}

	if c.count >= limit {
		return core.Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAt: c.resetAt}, nil
	}

	c.count++
	return core.Decision{Allowed: true, Limit: limit, Remaining: limit - c.count, ResetAt: c.resetAt}, nil
}

// SaveSession stores a session until its expiry
func (s *MemoryStore) SaveSession(ctx context.Context, session core.Session) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	s.sessions[session.ID] = session
	return nil
}

// GetSession returns a live session
func (s *MemoryStore) GetSession(ctx context.Context, id string) (core.Session, error) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	session, ok := s.sessions[id]
	if !ok || !s.now().Before(session.ExpiresAt) {
		return core.Session{}, core.ErrSessionNotFound
	}
	return session, nil
}

// DeleteSession removes a session. Deleting an unknown session is not an error.
func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	delete(s.sessions, id)
	return nil
}

// StartCleanup periodically drops expired challenges, counters and sessions.
// It is housekeeping only; expiry is always enforced on read.
func (s *MemoryStore) StartCleanup(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Cleanup()
			case <-s.stopCleanup:
				return
			}
		}
	}()
}

// Cleanup removes every expired record
func (s *MemoryStore) Cleanup() {
	now := s.now()
	removed := 0

	s.challengesMu.Lock()
	for id, entry := range s.challenges {
		if !now.Before(entry.deadline) {
			delete(s.challenges, id)
			removed++
		}
	}
	s.challengesMu.Unlock()

	s.countersMu.Lock()
	for key, c := range s.counters {
		if !c.resetAt.IsZero() && !now.Before(c.resetAt) {
			delete(s.counters, key)
			removed++
		}
	}
	s.countersMu.Unlock()

	s.sessionsMu.Lock()
	for id, session := range s.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	s.sessionsMu.Unlock()

	if removed > 0 {
		s.logger.Debug("Memory store cleanup completed", "removed", removed)
	}
}

// Close stops the cleanup loop
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

// Len returns the number of pending challenges, counters and sessions
func (s *MemoryStore) Len() (challenges, counters, sessions int) {
	s.challengesMu.Lock()
	challenges = len(s.challenges)
	s.challengesMu.Unlock()

	s.countersMu.Lock()
	counters = len(s.counters)
	s.countersMu.Unlock()

	s.sessionsMu.RLock()
	sessions = len(s.sessions)
	s.sessionsMu.RUnlock()
	return
}
