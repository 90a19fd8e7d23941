package ports

import "github.com/layer-3/sigauth/core"

// Tokenizer converts between sessions and bearer tokens
type Tokenizer interface {
	SessionToToken(session core.Session) (string, error)

	// TokenToSession verifies the token and returns the session it names.
	// Expired tokens fail with core.ErrTokenExpired.
	TokenToSession(token string) (core.Session, error)

	// TokenToSessionUnchecked verifies the signature but accepts expired tokens
	TokenToSessionUnchecked(token string) (core.Session, error)
}
