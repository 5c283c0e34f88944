// Package tokentest mints signed JWTs for tests.
package tokentest

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Secret signs HS256 test tokens.
var Secret = []byte("test-signing-secret")

// Options sets the identity claims of a minted token.
type Options struct {
	UserID      string
	Username    string
	Role        string
	Permissions []string
	Extra       map[string]any
}

// AccessToken mints an HS256 token expiring at exp.
func AccessToken(t testing.TB, exp time.Time, opts ...Options) string {
	t.Helper()
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, mapClaims(exp, opts...)).SignedString(Secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// ExpiringIn mints a token expiring d after now.
func ExpiringIn(t testing.TB, now time.Time, d time.Duration, opts ...Options) string {
	t.Helper()
	return AccessToken(t, now.Add(d), opts...)
}

// WithoutExpiry mints a token lacking the exp claim.
func WithoutExpiry(t testing.TB) string {
	t.Helper()
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"user_id": 1,
		"jti":     uuid.New().String(),
	}).SignedString(Secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// RSAKey generates a key pair for RS256 tokens.
func RSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

// RS256Token mints a token signed with key.
func RS256Token(t testing.TB, key *rsa.PrivateKey, exp time.Time, opts ...Options) string {
	t.Helper()
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, mapClaims(exp, opts...)).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func mapClaims(exp time.Time, opts ...Options) jwtlib.MapClaims {
	o := Options{UserID: "42", Username: "registrar", Role: "registrar"}
	if len(opts) > 0 {
		o = opts[0]
	}

	claims := jwtlib.MapClaims{
		"token_type": "access",
		"exp":        exp.Unix(),
		"iat":        exp.Add(-time.Hour).Unix(),
		"jti":        uuid.New().String(),
		"user_id":    o.UserID,
		"username":   o.Username,
		"role":       o.Role,
	}
	if len(o.Permissions) > 0 {
		claims["permissions"] = o.Permissions
	}
	for k, v := range o.Extra {
		claims[k] = v
	}
	return claims
}

// Malformed returns a string that is not a JWT.
func Malformed(i int) string {
	return fmt.Sprintf("not-a-jwt-%d", i)
}
