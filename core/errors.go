package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidAddress     = errors.New("invalid ethereum address")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrUnknownOperation   = errors.New("unknown operation")
	ErrChallengeNotFound  = errors.New("no pending challenge")
	ErrChallengeExpired   = errors.New("challenge has expired")
	ErrChallengeMismatch  = errors.New("challenge does not match")
	ErrMalformedSignature = errors.New("malformed signature")
	ErrSignatureRecovery  = errors.New("signature recovery failed")
	ErrAddressMismatch    = errors.New("recovered address does not match")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token has expired")
	ErrSessionNotFound    = errors.New("session not found")
	ErrStoreUnavailable   = errors.New("store unavailable")
)

// IsVerificationFailure reports whether err is one of the challenge or
// signature checks that the client must not be able to tell apart.
func IsVerificationFailure(err error) bool {
	return errors.Is(err, ErrChallengeNotFound) ||
		errors.Is(err, ErrChallengeExpired) ||
		errors.Is(err, ErrChallengeMismatch) ||
		errors.Is(err, ErrSignatureRecovery) ||
		errors.Is(err, ErrAddressMismatch)
}

// IsClientError reports whether err was caused by the request itself
// rather than by the server.
func IsClientError(err error) bool {
	return IsVerificationFailure(err) ||
		errors.Is(err, ErrInvalidAddress) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrMalformedSignature) ||
		errors.Is(err, ErrRateLimited)
}

// RateLimitError is returned when an operation is refused by the rate limiter
type RateLimitError struct {
	Operation  Operation
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRateLimited, e.Operation)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
