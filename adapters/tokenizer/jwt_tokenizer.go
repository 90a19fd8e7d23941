package tokenizer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"

	"github.com/layer-3/sigauth/core"
	"github.com/layer-3/sigauth/ports"
)

const (
	AudienceSession = "session:access"
	Issuer          = "sigauth"
)

// JWTTokenizer implements the Tokenizer interface using ES256 JWTs
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
	parser  *jwt.Parser
	lenient *jwt.Parser
}

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey) ports.Tokenizer {
	return &JWTTokenizer{
		signKey: signKey,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
			jwt.WithAudience(AudienceSession),
			jwt.WithIssuer(Issuer),
		),
		lenient: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

// SessionToToken converts a Session to a signed JWT
func (j *JWTTokenizer) SessionToToken(session core.Session) (string, error) {
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   session.Address,
			ID:        session.ID,
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(session.CreatedAt),
			Audience:  jwt.ClaimStrings{AudienceSession},
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	return signedToken, nil
}

// TokenToSession parses and fully validates a session token
func (j *JWTTokenizer) TokenToSession(tokenStr string) (core.Session, error) {
	claims, err := j.parse(j.parser, tokenStr)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return core.Session{}, core.ErrTokenExpired
		}
		return core.Session{}, fmt.Errorf("failed to parse token: %v: %w", err, core.ErrInvalidToken)
	}
	return claimsToSession(claims), nil
}

// TokenToSessionUnchecked verifies the signature but ignores expiry.
// Used on logout so that stale cookies can still be cleared.
func (j *JWTTokenizer) TokenToSessionUnchecked(tokenStr string) (core.Session, error) {
	claims, err := j.parse(j.lenient, tokenStr)
	if err != nil {
		return core.Session{}, fmt.Errorf("failed to parse token: %v: %w", err, core.ErrInvalidToken)
	}
	if !slices.Contains(claims.Audience, AudienceSession) {
		return core.Session{}, fmt.Errorf("unexpected audience: %w", core.ErrInvalidToken)
	}
	return claimsToSession(claims), nil
}

func (j *JWTTokenizer) parse(parser *jwt.Parser, tokenStr string) (*SessionClaims, error) {
	token, err := parser.ParseWithClaims(tokenStr, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, core.ErrInvalidToken
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("missing session claims")
	}
	return claims, nil
}

func claimsToSession(claims *SessionClaims) core.Session {
	session := core.Session{
		ID:      claims.ID,
		Address: claims.Subject,
	}
	if claims.IssuedAt != nil {
		session.CreatedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session
}
