package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	apperr "pttrouter/pkg/errors"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestResolveVerifiedToken(t *testing.T) {
	r := NewResolver("s3cr3t", true)
	token := signToken(t, "s3cr3t", jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()})

	resolved, err := r.Resolve(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", resolved.UserID)
}

func TestResolveVerifiedTokenWrongSecretFails(t *testing.T) {
	r := NewResolver("s3cr3t", true)
	token := signToken(t, "other", jwt.MapClaims{"sub": "user-1"})

	_, err := r.Resolve(token)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestResolveVerifiedTokenMissingUserIDClaimFails(t *testing.T) {
	r := NewResolver("s3cr3t", true)
	token := signToken(t, "s3cr3t", jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})

	_, err := r.Resolve(token)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestResolveBestEffortDecodesClaims(t *testing.T) {
	r := NewResolver("", false)
	token := signToken(t, "whatever-unverified", jwt.MapClaims{"userId": "user-2"})

	resolved, err := r.Resolve(token)
	require.NoError(t, err)
	require.Equal(t, "user-2", resolved.UserID)
}

func TestResolveBestEffortFallsBackToRawToken(t *testing.T) {
	r := NewResolver("", false)

	resolved, err := r.Resolve("not-a-jwt-at-all")
	require.NoError(t, err)
	require.Equal(t, "not-a-jwt-at-all", resolved.UserID)
}

func TestResolveEmptyTokenAlwaysUnauthorized(t *testing.T) {
	r := NewResolver("", false)
	_, err := r.Resolve("")
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
}
