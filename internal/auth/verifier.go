// Package auth verifies bearer tokens issued by the identity provider.
// Only verification lives here; issuing tokens is the provider's job.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultLeeway = 30 * time.Second

// Verifier validates HS256 access tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewVerifier builds a verifier. issuer is optional; when set, tokens must
// carry a matching iss claim.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret must be set")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(defaultLeeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Verify parses and validates a token, returning the caller's identity.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	var rc registeredClaims
	token, err := v.parser.ParseWithClaims(tokenString, &rc, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if rc.Subject == "" {
		return nil, errors.New("token missing sub")
	}
	claims := &Claims{
		Subject: rc.Subject,
		Email:   rc.Email,
		Issuer:  rc.Issuer,
	}
	if rc.ExpiresAt != nil {
		claims.ExpiresAt = rc.ExpiresAt.Time
	}
	return claims, nil
}

// Sign issues a token for subject. It exists for tests and local tooling.
func (v *Verifier) Sign(subject, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	rc := registeredClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, rc).SignedString(v.secret)
}

type registeredClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}
