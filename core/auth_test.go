package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChallengeExpired(t *testing.T) {
	issued := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := Challenge{IssuedAt: issued}
	ttl := 5 * time.Minute

	assert.False(t, c.Expired(issued, ttl))
	assert.False(t, c.Expired(issued.Add(299*time.Second), ttl))
	assert.True(t, c.Expired(issued.Add(300*time.Second), ttl))
	assert.True(t, c.Expired(issued.Add(301*time.Second), ttl))
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0xAbC0000000000000000000000000000000000123", "0xabc0000000000000000000000000000000000123"},
		{"AbC0000000000000000000000000000000000123", "0xabc0000000000000000000000000000000000123"},
		{" 0X00 ", "0x00"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeAddress(tt.in))
		})
	}
	assert.True(t, SameAddress("0xABCDEF", "abcdef"))
	assert.False(t, SameAddress("0xabcdef", "0xabcdee"))
}

func TestRateKeyString(t *testing.T) {
	k := RateKey{ClientID: "c1", Operation: OpNonce}
	assert.Equal(t, "nonce:c1", k.String())
}

func TestDecisionRetryAfter(t *testing.T) {
	now := time.Now()
	assert.Equal(t, time.Duration(0), Decision{}.RetryAfter(now))
	assert.Equal(t, time.Minute, Decision{ResetAt: now.Add(time.Minute)}.RetryAfter(now))
	assert.Equal(t, time.Duration(0), Decision{ResetAt: now.Add(-time.Minute)}.RetryAfter(now))
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("consume: %w", ErrChallengeExpired)
	assert.True(t, IsVerificationFailure(wrapped))
	assert.True(t, IsClientError(wrapped))
	assert.False(t, IsVerificationFailure(ErrRateLimited))
	assert.True(t, IsClientError(ErrRateLimited))
	assert.False(t, IsClientError(ErrStoreUnavailable))
	assert.False(t, IsClientError(errors.New("boom")))
}

func TestRateLimitError(t *testing.T) {
	var err error = &RateLimitError{Operation: OpNonce, RetryAfter: time.Minute}
	wrapped := fmt.Errorf("request nonce: %w", err)

	assert.ErrorIs(t, wrapped, ErrRateLimited)
	var rle *RateLimitError
	if assert.ErrorAs(t, wrapped, &rle) {
		assert.Equal(t, time.Minute, rle.RetryAfter)
	}
	assert.Contains(t, err.Error(), "nonce")
}
