package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/layer-3/sigauth/core"
	"github.com/layer-3/sigauth/internal/eth"
	"github.com/layer-3/sigauth/ports"
)

const (
	// DefaultNonceBytes is the amount of randomness in a nonce (128 bits)
	DefaultNonceBytes = 16

	// expiredRetention keeps a challenge in the store past its TTL so that a
	// late submission is reported as expired rather than missing.
	expiredRetention = time.Hour
)

// NonceStore issues and consumes single-use login challenges
type NonceStore struct {
	store      ports.ChallengeStore
	ttl        time.Duration
	nonceBytes int

	now    func() time.Time
	random io.Reader
}

// NewNonceStore creates a nonce store on top of a challenge store
func NewNonceStore(store ports.ChallengeStore, ttl time.Duration, nonceBytes int) *NonceStore {
	if nonceBytes < DefaultNonceBytes {
		nonceBytes = DefaultNonceBytes
	}
	return &NonceStore{
		store:      store,
		ttl:        ttl,
		nonceBytes: nonceBytes,
		now:        time.Now,
		random:     rand.Reader,
	}
}

// TTL returns how long an issued challenge can be consumed
func (n *NonceStore) TTL() time.Duration {
	return n.ttl
}

// Issue creates a challenge for the claimed address, replacing any pending
// challenge of the client.
func (n *NonceStore) Issue(ctx context.Context, clientID, address string) (core.Challenge, error) {
	if clientID == "" {
		return core.Challenge{}, fmt.Errorf("missing client id: %w", core.ErrInvalidRequest)
	}
	addr, err := eth.ParseAddress(address)
	if err != nil {
		return core.Challenge{}, err
	}

	nonce, err := n.generateNonce()
	if err != nil {
		return core.Challenge{}, err
	}

	challenge := core.Challenge{
		ClientID: clientID,
		Address:  core.NormalizeAddress(addr.Hex()),
		Nonce:    nonce,
		IssuedAt: n.now().UTC(),
	}
	if err := n.store.Put(ctx, challenge, n.ttl+expiredRetention); err != nil {
		return core.Challenge{}, fmt.Errorf("failed to store challenge: %w", err)
	}
	return challenge, nil
}

// Consume removes the pending challenge of the client and checks it against
// the submitted address and nonce. The challenge is gone whatever the outcome.
func (n *NonceStore) Consume(ctx context.Context, clientID, address, nonce string) (core.Challenge, error) {
	challenge, err := n.store.Take(ctx, clientID)
	if err != nil {
		return core.Challenge{}, err
	}

	if challenge.Expired(n.now(), n.ttl) {
		return core.Challenge{}, core.ErrChallengeExpired
	}

	nonceMatch := subtle.ConstantTimeCompare(
		[]byte(strings.ToLower(nonce)),
		[]byte(strings.ToLower(challenge.Nonce)),
	) == 1
	if !nonceMatch || !core.SameAddress(address, challenge.Address) {
		return core.Challenge{}, core.ErrChallengeMismatch
	}
	return challenge, nil
}

// Discard drops the pending challenge of the client, if any
func (n *NonceStore) Discard(ctx context.Context, clientID string) error {
	_, err := n.store.Take(ctx, clientID)
	if err != nil && !errors.Is(err, core.ErrChallengeNotFound) {
		return err
	}
	return nil
}

// ValidNonce reports whether s has the shape of a nonce this store issues
func (n *NonceStore) ValidNonce(s string) bool {
	if len(s) != hex.EncodedLen(n.nonceBytes) {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func (n *NonceStore) generateNonce() (string, error) {
	b := make([]byte, n.nonceBytes)
	if _, err := io.ReadFull(n.random, b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
