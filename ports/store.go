package ports

import (
	"context"
	"time"

	"github.com/layer-3/sigauth/core"
)

// ChallengeStore holds at most one pending challenge per client
type ChallengeStore interface {
	// Put stores the challenge, replacing any pending one for the same client
	Put(ctx context.Context, challenge core.Challenge, ttl time.Duration) error

	// Take atomically removes and returns the pending challenge.
	// Returns core.ErrChallengeNotFound when nothing is pending.
	Take(ctx context.Context, clientID string) (core.Challenge, error)
}

// CounterStore keeps rate counters
type CounterStore interface {
	// Increment counts one call against key unless the count already reached
	// limit inside the current window. The check and the increment are atomic.
	Increment(ctx context.Context, key core.RateKey, limit int, window time.Duration) (core.Decision, error)
}

// SessionStore persists established sessions
type SessionStore interface {
	SaveSession(ctx context.Context, session core.Session) error
	// GetSession returns core.ErrSessionNotFound for unknown or expired sessions
	GetSession(ctx context.Context, id string) (core.Session, error)
	DeleteSession(ctx context.Context, id string) error
}
