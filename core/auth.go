package core

import (
	"strings"
	"time"
)

// Operation names a rate limited action
type Operation string

const (
	// OpNonce is the nonce issuance operation
	OpNonce Operation = "nonce"

	// OpAuthenticate is the verify-and-login operation
	OpAuthenticate Operation = "authenticate"

	// OpAuthenticateAddress counts verify-and-login attempts per claimed
	// address, whichever client sends them
	OpAuthenticateAddress Operation = "authenticate-address"
)

// Challenge represents an authentication challenge
type Challenge struct {
	ClientID string    // Client the challenge was issued to
	Address  string    // Claimed Ethereum address, lowercase with 0x prefix
	Nonce    string    // Random hex nonce to be signed
	IssuedAt time.Time // When the challenge was created
}

// ExpiresAt returns the instant after which the challenge can no longer be consumed
func (c Challenge) ExpiresAt(ttl time.Duration) time.Time {
	return c.IssuedAt.Add(ttl)
}

// Expired reports whether the challenge has outlived ttl at now
func (c Challenge) Expired(now time.Time, ttl time.Duration) bool {
	return !now.Before(c.ExpiresAt(ttl))
}

// Session represents an authenticated user session
type Session struct {
	ID        string    // Unique session identifier
	Address   string    // Ethereum address of the user
	CreatedAt time.Time // When the session was created
	ExpiresAt time.Time // When the session stops being valid
}

// RateKey identifies a rate counter
type RateKey struct {
	ClientID  string
	Operation Operation
}

// String returns a stable serialisation of the key for external stores
func (k RateKey) String() string {
	return string(k.Operation) + ":" + k.ClientID
}

// Decision is the outcome of a rate limit check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long the caller should wait before the window resets
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.IsZero() || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// NormalizeAddress lowercases an address and ensures the 0x prefix.
// It does not validate the input.
func NormalizeAddress(address string) string {
	a := strings.ToLower(strings.TrimSpace(address))
	if !strings.HasPrefix(a, "0x") {
		a = "0x" + a
	}
	return a
}

// SameAddress compares two addresses case-insensitively, ignoring the 0x prefix
func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}
