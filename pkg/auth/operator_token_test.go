package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	manager := NewTokenManager([]byte("secret"), time.Minute)

	token, err := manager.Issue("alice", []string{ScopeRead, ScopeOutbox})
	require.NoError(t, err)

	claims, err := manager.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator)
	assert.True(t, claims.HasScope(ScopeRead))
	assert.True(t, claims.HasScope(ScopeOutbox))
	assert.False(t, claims.HasScope(ScopeWrite))
}

func TestValidateRejectsForeignAndExpiredTokens(t *testing.T) {
	manager := NewTokenManager([]byte("secret"), time.Minute)

	foreign, err := NewTokenManager([]byte("other"), time.Minute).Issue("mallory", AllScopes)
	require.NoError(t, err)
	_, err = manager.Validate(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	past := time.Now().Add(-time.Hour)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(past),
			Issuer:    issuer,
		},
		Operator: "bob",
		Scope:    ScopeRead,
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = manager.Validate(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = manager.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMissingSigningKey(t *testing.T) {
	manager := NewTokenManager(nil, time.Minute)
	_, err := manager.Issue("alice", AllScopes)
	assert.ErrorIs(t, err, ErrNoSigningKey)
	_, err = manager.Validate("x.y.z")
	assert.ErrorIs(t, err, ErrNoSigningKey)
}
