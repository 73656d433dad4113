// Package auth resolves a handshake token into a user id. When
// verification is enabled it behaves like a normal HMAC JWT verifier;
// when disabled it degrades to a best-effort decode so unauthenticated
// deployments still get a stable per-token identity. The claims map may
// carry the user id under any of uid/user_id/userId/sub/id/TELENET_userId,
// since different client builds have shipped different claim names over
// time.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apperr "pttrouter/pkg/errors"
)

// Resolved is the outcome of resolving a handshake token.
type Resolved struct {
	UserID string
	Role   string
}

// Resolver resolves a raw token string into a user id, honoring
// useAuthentication.
type Resolver struct {
	secret            []byte
	useAuthentication bool
}

func NewResolver(secret string, useAuthentication bool) *Resolver {
	return &Resolver{secret: []byte(secret), useAuthentication: useAuthentication}
}

// claimKeys is the ordered set of claim names that may carry the user id.
var claimKeys = []string{"uid", "user_id", "userId", "sub", "id", "TELENET_userId"}

// Resolve maps a raw handshake token to a Resolved identity. When
// useAuthentication is true, the token MUST verify as an HMAC-signed
// JWT or resolution fails with apperr.ErrUnauthorized. When false,
// resolution is best-effort:
// decode the middle JWT segment as JSON claims and extract a user id
// from any recognized key; if that fails, fall back to the raw token
// string itself.
func (r *Resolver) Resolve(token string) (Resolved, error) {
	if token == "" {
		return Resolved{}, apperr.ErrUnauthorized
	}

	if r.useAuthentication {
		return r.resolveVerified(token)
	}
	return r.resolveBestEffort(token), nil
}

func (r *Resolver) resolveVerified(token string) (Resolved, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.ErrUnauthorized
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Resolved{}, apperr.ErrUnauthorized
	}

	uid, ok := extractUserID(claims)
	if !ok {
		return Resolved{}, apperr.ErrUnauthorized
	}
	return Resolved{UserID: uid, Role: roleFromClaims(claims)}, nil
}

func (r *Resolver) resolveBestEffort(token string) Resolved {
	if claims, ok := decodeUnverifiedClaims(token); ok {
		if uid, ok := extractUserID(claims); ok {
			return Resolved{UserID: uid, Role: roleFromClaims(claims)}
		}
	}
	return Resolved{UserID: token}
}

// decodeUnverifiedClaims best-effort-decodes the middle segment of a
// three-part JWT-like token, without verifying its signature. Any
// failure along the way (wrong segment count, bad base64, bad JSON)
// yields ok=false so the caller falls back to the raw token.
func decodeUnverifiedClaims(token string) (jwt.MapClaims, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, false
	}
	var claims jwt.MapClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, false
	}
	return claims, true
}

// extractUserID tries each recognized claim key in order, returning the
// first one present.
func extractUserID(claims jwt.MapClaims) (string, bool) {
	for _, key := range claimKeys {
		if v, ok := claims[key]; ok {
			if s, ok := stringify(v); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func roleFromClaims(claims jwt.MapClaims) string {
	if v, ok := claims["role"]; ok {
		if s, ok := stringify(v); ok {
			return s
		}
	}
	return ""
}

func stringify(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	default:
		return "", false
	}
}
