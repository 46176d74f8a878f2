package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelmcp/toolkernel/internal/kernel"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(testSecret)
	require.NoError(t, err)
	return s
}

func bearerFromBase(base any) (string, bool) {
	s, ok := base.(string)
	return s, ok && s != ""
}

func keyFunc(*jwt.Token) (any, error) { return testSecret, nil }

func TestRequireAuth_MissingToken(t *testing.T) {
	mw := RequireAuth(keyFunc, bearerFromBase)
	ec := &kernel.ExecContext{Base: nil}

	var nextCalled bool
	result, err := mw(context.Background(), ec, nil, func() (any, error) {
		nextCalled = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, nextCalled)

	resp, ok := result.(kernel.WireResponse)
	require.True(t, ok)
	assert.True(t, resp.IsError)
	assert.Equal(t, "unauthorized", resp.Error.Code)
}

func TestRequireAuth_InvalidToken(t *testing.T) {
	mw := RequireAuth(keyFunc, bearerFromBase)
	ec := &kernel.ExecContext{Base: "not-a-jwt"}

	result, err := mw(context.Background(), ec, nil, func() (any, error) { return nil, nil })
	require.NoError(t, err)
	resp := result.(kernel.WireResponse)
	assert.True(t, resp.IsError)
}

func TestRequireAuth_ExpiredToken(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ada",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token := signToken(t, claims)
	mw := RequireAuth(keyFunc, bearerFromBase)
	ec := &kernel.ExecContext{Base: token}

	result, err := mw(context.Background(), ec, nil, func() (any, error) { return nil, nil })
	require.NoError(t, err)
	resp := result.(kernel.WireResponse)
	require.True(t, resp.IsError)
	assert.Contains(t, resp.Error.Message, "expired")
}

func TestRequireAuth_ValidTokenDerivesSubjectAndRole(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ada",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "admin",
	}
	token := signToken(t, claims)
	mw := RequireAuth(keyFunc, bearerFromBase)
	ec := &kernel.ExecContext{Base: token}

	var nextCalled bool
	result, err := mw(context.Background(), ec, nil, func() (any, error) {
		nextCalled = true
		return "passed through", nil
	})
	require.NoError(t, err)
	require.True(t, nextCalled)
	assert.Equal(t, "passed through", result)

	subject, ok := ec.Get("auth.subject")
	require.True(t, ok)
	assert.Equal(t, "ada", subject)

	role, ok := ec.Get("auth.role")
	require.True(t, ok)
	assert.Equal(t, "admin", role)
}
