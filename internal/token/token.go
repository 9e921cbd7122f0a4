// Package token mints and verifies the signed, time-limited bearer tokens
// issued by the credential exchange. Verification is stateless; no
// server-side session store exists.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the identity carried by a verified token. SessionID is empty
// for tokens not bound to a single session.
type Principal struct {
	Subject   string
	Role      string
	SessionID string
}

type Signer struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
	Now      func() time.Time
}

type claims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	SessionID string `json:"session_id,omitempty"`
}

func (s Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Mint issues an HS256 token for the principal.
func (s Signer) Mint(p Principal) (string, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return "", errors.New("token secret not configured")
	}
	if p.Subject == "" {
		return "", errors.New("subject required")
	}
	if p.Role == "" {
		return "", errors.New("role required")
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			Issuer:    s.Issuer,
			Audience:  jwt.ClaimStrings{s.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL)),
		},
		Role:      p.Role,
		SessionID: p.SessionID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(s.Secret))
}

// Verify checks signature, expiry, issuer, and audience, and returns the
// embedded principal.
func (s Signer) Verify(raw string) (Principal, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return Principal{}, errors.New("token secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.Issuer),
		jwt.WithAudience(s.Audience),
		jwt.WithTimeFunc(s.now),
	)
	c := &claims{}
	parsed, err := parser.ParseWithClaims(raw, c, func(t *jwt.Token) (any, error) {
		return []byte(s.Secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if c.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	if c.Role == "" {
		return Principal{}, errors.New("role claim required")
	}
	return Principal{
		Subject:   c.Subject,
		Role:      c.Role,
		SessionID: c.SessionID,
	}, nil
}
