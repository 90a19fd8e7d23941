package service

import (
	"context"
	"fmt"
	"time"

	"github.com/layer-3/sigauth/core"
	"github.com/layer-3/sigauth/ports"
)

// Limiter bounds how often a client may invoke each operation within a
// fixed window
type Limiter struct {
	store  ports.CounterStore
	limits map[core.Operation]int
	window time.Duration
	now    func() time.Time
}

// NewLimiter creates a limiter with per-operation limits. Operations missing
// from limits are rejected as unknown.
func NewLimiter(store ports.CounterStore, limits map[core.Operation]int, window time.Duration) *Limiter {
	copied := make(map[core.Operation]int, len(limits))
	for op, limit := range limits {
		copied[op] = limit
	}
	return &Limiter{
		store:  store,
		limits: copied,
		window: window,
		now:    time.Now,
	}
}

// CheckAndIncrement counts one call to op by the client. A refused call is
// not counted and fails with a *core.RateLimitError.
func (l *Limiter) CheckAndIncrement(ctx context.Context, clientID string, op core.Operation) (core.Decision, error) {
	limit, ok := l.limits[op]
	if !ok {
		return core.Decision{}, fmt.Errorf("%w: %q", core.ErrUnknownOperation, op)
	}

	key := core.RateKey{ClientID: clientID, Operation: op}
	decision, err := l.store.Increment(ctx, key, limit, l.window)
	if err != nil {
		return core.Decision{}, fmt.Errorf("failed to check rate limit: %w", err)
	}
	if !decision.Allowed {
		return decision, &core.RateLimitError{
			Operation:  op,
			RetryAfter: decision.RetryAfter(l.now()),
		}
	}
	return decision, nil
}

// Limit returns the configured limit of op
func (l *Limiter) Limit(op core.Operation) (int, bool) {
	limit, ok := l.limits[op]
	return limit, ok
}
