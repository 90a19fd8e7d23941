package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layer-3/sigauth/core"
	"github.com/layer-3/sigauth/ports"
)

var (
	_ ports.ChallengeStore = (*RedisStore)(nil)
	_ ports.CounterStore   = (*RedisStore)(nil)
	_ ports.SessionStore   = (*RedisStore)(nil)
)

// incrementScript refuses once the counter reached the limit, otherwise
// increments it and starts the window on the first hit.
// Returns {allowed, count, pttl}.
var incrementScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= limit then
	return {0, count, redis.call('PTTL', KEYS[1])}
end
count = redis.call('INCR', KEYS[1])
if count == 1 and window > 0 then
	redis.call('PEXPIRE', KEYS[1], window)
end
return {1, count, redis.call('PTTL', KEYS[1])}
`)

type challengeRecord struct {
	ClientID string    `json:"client_id"`
	Address  string    `json:"address"`
	Nonce    string    `json:"nonce"`
	IssuedAt time.Time `json:"issued_at"`
}

type sessionRecord struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisStore is a Redis implementation of the challenge, counter and session
// stores. It is safe to share between instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithRedisClock overrides time.Now when turning session expiry into a key
// TTL and counter TTLs into reset times
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "sigauth:",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) challengeKey(clientID string) string {
	return s.prefix + "challenge:" + clientID
}

func (s *RedisStore) rateKey(key core.RateKey) string {
	return s.prefix + "rate:" + key.String()
}

func (s *RedisStore) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

// Put stores a challenge with expiration, replacing any pending one
func (s *RedisStore) Put(ctx context.Context, challenge core.Challenge, ttl time.Duration) error {
	payload, err := json.Marshal(challengeRecord(challenge))
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	if err := s.client.Set(ctx, s.challengeKey(challenge.ClientID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store challenge: %v: %w", err, core.ErrStoreUnavailable)
	}
	return nil
}

// Take removes and returns the pending challenge in one GETDEL round trip
func (s *RedisStore) Take(ctx context.Context, clientID string) (core.Challenge, error) {
	payload, err := s.client.GetDel(ctx, s.challengeKey(clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return core.Challenge{}, core.ErrChallengeNotFound
		}
		return core.Challenge{}, fmt.Errorf("failed to take challenge: %v: %w", err, core.ErrStoreUnavailable)
	}

	var record challengeRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return core.Challenge{}, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}
	return core.Challenge(record), nil
}

// Increment runs the check-and-increment script against the counter key
func (s *RedisStore) Increment(ctx context.Context, key core.RateKey, limit int, window time.Duration) (core.Decision, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{s.rateKey(key)}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return core.Decision{}, fmt.Errorf("failed to increment counter: %v: %w", err, core.ErrStoreUnavailable)
	}
	if len(res) != 3 {
		return core.Decision{}, fmt.Errorf("unexpected counter reply %v: %w", res, core.ErrStoreUnavailable)
	}

	allowed, count, pttl := res[0] == 1, int(res[1]), res[2]

	decision := core.Decision{
		Allowed: allowed,
		Limit:   limit,
	}
	if remaining := limit - count; remaining > 0 {
		decision.Remaining = remaining
	}
	if pttl > 0 {
		decision.ResetAt = s.now().Add(time.Duration(pttl) * time.Millisecond)
	}
	return decision, nil
}

// SaveSession stores a session until it expires
func (s *RedisStore) SaveSession(ctx context.Context, session core.Session) error {
	ttl := session.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("session %s already expired", session.ID)
	}

	payload, err := json.Marshal(sessionRecord(session))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.client.Set(ctx, s.sessionKey(session.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %v: %w", err, core.ErrStoreUnavailable)
	}
	return nil
}

// GetSession returns a live session
func (s *RedisStore) GetSession(ctx context.Context, id string) (core.Session, error) {
	payload, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return core.Session{}, core.ErrSessionNotFound
		}
		return core.Session{}, fmt.Errorf("failed to get session: %v: %w", err, core.ErrStoreUnavailable)
	}

	var record sessionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return core.Session{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return core.Session(record), nil
}

// DeleteSession removes a session
func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %v: %w", err, core.ErrStoreUnavailable)
	}
	return nil
}

// Client returns the Redis client so it can be shared with the event publisher
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
