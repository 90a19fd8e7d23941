package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/sigauth/adapters/store"
	"github.com/layer-3/sigauth/core"
)

const testAddress = "0xAbC0000000000000000000000000000000000123"

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy exhausted")
}

func newTestNonceStore(t *testing.T, nonceBytes int) (*NonceStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Now()}
	mem := store.NewMemoryStore(store.WithClock(clock.Now))
	t.Cleanup(func() { mem.Close() })

	n := NewNonceStore(mem, 5*time.Minute, nonceBytes)
	n.now = clock.Now
	return n, clock
}

func TestNonceStoreIssue(t *testing.T) {
	ctx := context.Background()
	n, _ := newTestNonceStore(t, 0)

	c, err := n.Issue(ctx, "client-1", testAddress)
	require.NoError(t, err)
	assert.Len(t, c.Nonce, 32)
	assert.True(t, n.ValidNonce(c.Nonce))
	assert.Equal(t, strings.ToLower(testAddress), c.Address)
	assert.Equal(t, "client-1", c.ClientID)

	n32, _ := newTestNonceStore(t, 32)
	c, err = n32.Issue(ctx, "client-1", testAddress)
	require.NoError(t, err)
	assert.Len(t, c.Nonce, 64)
}

func TestNonceStoreIssueRandomFailure(t *testing.T) {
	n, _ := newTestNonceStore(t, 16)
	n.random = failingReader{}

	_, err := n.Issue(context.Background(), "client-1", testAddress)
	assert.ErrorContains(t, err, "entropy exhausted")
}

func TestNonceStoreConsume(t *testing.T) {
	tests := []struct {
		name    string
		address string
		nonce   func(issued string) string
		wantErr error
	}{
		{"match", testAddress, func(n string) string { return n }, nil},
		{"lowercase address", strings.ToLower(testAddress), func(n string) string { return n }, nil},
		{"address without prefix", testAddress[2:], func(n string) string { return n }, nil},
		{"other address", "0xabc0000000000000000000000000000000000124", func(n string) string { return n }, core.ErrChallengeMismatch},
		{"other nonce", testAddress, func(n string) string { return strings.Repeat("0", len(n)) }, core.ErrChallengeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			n, _ := newTestNonceStore(t, 16)

			c, err := n.Issue(ctx, "client-1", testAddress)
			require.NoError(t, err)

			_, err = n.Consume(ctx, "client-1", tt.address, tt.nonce(c.Nonce))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}

			_, err = n.Consume(ctx, "client-1", testAddress, c.Nonce)
			assert.ErrorIs(t, err, core.ErrChallengeNotFound, "challenge must be gone after any outcome")
		})
	}
}

func TestNonceStoreConsumeExpired(t *testing.T) {
	ctx := context.Background()
	n, clock := newTestNonceStore(t, 16)

	c, err := n.Issue(ctx, "client-1", testAddress)
	require.NoError(t, err)

	clock.Advance(301 * time.Second)

	_, err = n.Consume(ctx, "client-1", testAddress, c.Nonce)
	assert.ErrorIs(t, err, core.ErrChallengeExpired)

	// a challenge past its retention is simply missing
	c, err = n.Issue(ctx, "client-1", testAddress)
	require.NoError(t, err)
	clock.Advance(n.TTL() + expiredRetention)
	_, err = n.Consume(ctx, "client-1", testAddress, c.Nonce)
	assert.ErrorIs(t, err, core.ErrChallengeNotFound)
}

func TestNonceStoreClientsAreIsolated(t *testing.T) {
	ctx := context.Background()
	n, _ := newTestNonceStore(t, 16)

	a, err := n.Issue(ctx, "client-a", testAddress)
	require.NoError(t, err)
	b, err := n.Issue(ctx, "client-b", testAddress)
	require.NoError(t, err)

	_, err = n.Consume(ctx, "client-a", testAddress, b.Nonce)
	assert.ErrorIs(t, err, core.ErrChallengeMismatch)

	_, err = n.Consume(ctx, "client-b", testAddress, b.Nonce)
	assert.NoError(t, err)

	_, err = n.Consume(ctx, "client-a", testAddress, a.Nonce)
	assert.ErrorIs(t, err, core.ErrChallengeNotFound)
}

func TestNonceStoreDiscard(t *testing.T) {
	ctx := context.Background()
	n, _ := newTestNonceStore(t, 16)

	assert.NoError(t, n.Discard(ctx, "client-1"))

	c, err := n.Issue(ctx, "client-1", testAddress)
	require.NoError(t, err)
	require.NoError(t, n.Discard(ctx, "client-1"))

	_, err = n.Consume(ctx, "client-1", testAddress, c.Nonce)
	assert.ErrorIs(t, err, core.ErrChallengeNotFound)
}

func TestValidNonce(t *testing.T) {
	n, _ := newTestNonceStore(t, 16)

	assert.True(t, n.ValidNonce(strings.Repeat("a", 32)))
	assert.True(t, n.ValidNonce(strings.Repeat("F", 32)))
	assert.False(t, n.ValidNonce(strings.Repeat("a", 31)))
	assert.False(t, n.ValidNonce(strings.Repeat("a", 34)))
	assert.False(t, n.ValidNonce(strings.Repeat("g", 32)))
	assert.False(t, n.ValidNonce(""))
}
