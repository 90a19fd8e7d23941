package tokenizer

import "github.com/golang-jwt/jwt/v5"

// SessionClaims are the standard claims of a session token.
// ID carries the session identifier and Subject the address.
type SessionClaims struct {
	jwt.RegisteredClaims
}
