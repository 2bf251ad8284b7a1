// Package auth issues and validates the operator tokens that guard the
// mutating HTTP routes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 12 * time.Hour
	defaultIssuer   = "tidewatch"
	defaultAudience = "tidewatch-operators"
)

var (
	// ErrInvalidToken indicates a token that is malformed, expired or signed by another key.
	ErrInvalidToken         = errors.New("auth: invalid operator token")
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingOperator      = errors.New("operator name must be provided")
)

// TokenIssuerConfig configures the operator token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// OperatorToken is a signed token together with its expiry.
type OperatorToken struct {
	Token     string    `json:"token"`
	Operator  string    `json:"operator"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenIssuer issues and validates HS256 operator tokens.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer. A signing secret is required.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	return &TokenIssuer{
		secret:   append([]byte(nil), cfg.SigningSecret...),
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		clock:    clock,
	}, nil
}

// Issue signs a token for operator.
func (i *TokenIssuer) Issue(_ context.Context, operator string) (OperatorToken, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return OperatorToken{}, errMissingOperator
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	registered := jwt.RegisteredClaims{
		Subject:   operator,
		Issuer:    i.issuer,
		Audience:  []string{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return OperatorToken{}, err
	}
	return OperatorToken{Token: signed, Operator: operator, ExpiresAt: expiresAt}, nil
}

// Validate checks signature, issuer, audience and expiry and returns the operator.
func (i *TokenIssuer) Validate(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.secret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, errMissingOperator)
	}
	return claims.Subject, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	trimmed := strings.TrimSpace(header)
	if len(trimmed) <= len(prefix) || !strings.EqualFold(trimmed[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(trimmed[len(prefix):])
	return token, token != ""
}
