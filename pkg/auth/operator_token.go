// Package auth issues and checks the bearer tokens operators present to the
// admin API.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ScopeRead          = "executions:read"
	ScopeWrite         = "executions:write"
	ScopeOutbox        = "outbox:write"
	ScopeInterventions = "interventions:write"

	issuer = "sagaflow"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSigningKey = errors.New("signing key is not configured")
)

// AllScopes grants every admin operation.
var AllScopes = []string{ScopeRead, ScopeWrite, ScopeOutbox, ScopeInterventions}

type OperatorClaims struct {
	jwt.RegisteredClaims
	Operator string `json:"operator"`
	Scope    string `json:"scope"`
}

type TokenManager struct {
	signingKey []byte
	ttl        time.Duration
}

func NewTokenManager(signingKey []byte, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{signingKey: signingKey, ttl: ttl}
}

func (m *TokenManager) Issue(operator string, scopes []string) (string, error) {
	if len(m.signingKey) == 0 {
		return "", ErrNoSigningKey
	}
	now := time.Now()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   operator,
			Issuer:    issuer,
		},
		Operator: operator,
		Scope:    strings.Join(scopes, ","),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *TokenManager) Validate(tokenString string) (*OperatorClaims, error) {
	if len(m.signingKey) == 0 {
		return nil, ErrNoSigningKey
	}
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid || claims.Operator == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (c *OperatorClaims) HasScope(required string) bool {
	for _, scope := range strings.Split(c.Scope, ",") {
		if scope == required {
			return true
		}
	}
	return false
}
