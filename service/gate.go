package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/layer-3/sigauth/core"
	"github.com/layer-3/sigauth/ports"
)

// DefaultSessionTTL is the lifetime of an established session
const DefaultSessionTTL = 24 * time.Hour

// SessionGate establishes and checks authenticated sessions
type SessionGate struct {
	store     ports.SessionStore
	tokenizer ports.Tokenizer
	ttl       time.Duration
	now       func() time.Time
}

// NewSessionGate creates a session gate
func NewSessionGate(store ports.SessionStore, tokenizer ports.Tokenizer, ttl time.Duration) *SessionGate {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionGate{
		store:     store,
		tokenizer: tokenizer,
		ttl:       ttl,
		now:       time.Now,
	}
}

// TTL returns the session lifetime
func (g *SessionGate) TTL() time.Duration {
	return g.ttl
}

// Establish persists a new session for address and returns its token
func (g *SessionGate) Establish(ctx context.Context, address string) (core.Session, string, error) {
	now := g.now().UTC()
	session := core.Session{
		ID:        uuid.New().String(),
		Address:   core.NormalizeAddress(address),
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}

	token, err := g.tokenizer.SessionToToken(session)
	if err != nil {
		return core.Session{}, "", fmt.Errorf("failed to create session token: %w", err)
	}

	if err := g.store.SaveSession(ctx, session); err != nil {
		return core.Session{}, "", fmt.Errorf("failed to save session: %w", err)
	}
	return session, token, nil
}

// Current returns the live session named by token
func (g *SessionGate) Current(ctx context.Context, token string) (core.Session, error) {
	claimed, err := g.tokenizer.TokenToSession(token)
	if err != nil {
		return core.Session{}, err
	}

	session, err := g.store.GetSession(ctx, claimed.ID)
	if err != nil {
		return core.Session{}, err
	}
	if !core.SameAddress(session.Address, claimed.Address) {
		return core.Session{}, fmt.Errorf("session %s address differs from token: %w", session.ID, core.ErrInvalidToken)
	}
	return session, nil
}

// Invalidate ends the session named by token. Expired tokens are accepted so
// that a stale cookie can still be cleared. A session that is already gone
// is not an error.
func (g *SessionGate) Invalidate(ctx context.Context, token string) (core.Session, error) {
	session, err := g.tokenizer.TokenToSessionUnchecked(token)
	if err != nil {
		return core.Session{}, err
	}

	if err := g.store.DeleteSession(ctx, session.ID); err != nil && !errors.Is(err, core.ErrSessionNotFound) {
		return core.Session{}, fmt.Errorf("failed to delete session: %w", err)
	}
	return session, nil
}
