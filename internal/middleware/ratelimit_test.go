package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/kernelmcp/toolkernel/internal/kernel"
)

func fixedKey(k string) KeyFunc {
	return func(*kernel.ExecContext) string { return k }
}

func TestRateLimit_AllowsWithinBurst(t *testing.T) {
	mw := RateLimit(rate.Limit(1), 2, fixedKey("subject-a"))
	ec := &kernel.ExecContext{}
	next := func() (any, error) { return "ok", nil }

	for i := 0; i < 2; i++ {
		result, err := mw(context.Background(), ec, nil, next)
		require.NoError(t, err)
		assert.Equal(t, "ok", result)
	}
}

func TestRateLimit_BlocksBeyondBurst(t *testing.T) {
	mw := RateLimit(rate.Limit(1), 1, fixedKey("subject-b"))
	ec := &kernel.ExecContext{}
	next := func() (any, error) { return "ok", nil }

	_, err := mw(context.Background(), ec, nil, next)
	require.NoError(t, err)

	result, err := mw(context.Background(), ec, nil, next)
	require.NoError(t, err)
	resp, ok := result.(kernel.WireResponse)
	require.True(t, ok)
	assert.True(t, resp.IsError)
	assert.Equal(t, "rate_limited", resp.Error.Code)
	assert.Equal(t, 1, resp.Error.RetryAfter)
}

func TestRateLimit_KeysAreIndependentBuckets(t *testing.T) {
	mw := RateLimit(rate.Limit(1), 1, SubjectKey)
	next := func() (any, error) { return "ok", nil }

	ecA := &kernel.ExecContext{}
	ecA.Derive("auth.subject", "a")
	ecB := &kernel.ExecContext{}
	ecB.Derive("auth.subject", "b")

	_, err := mw(context.Background(), ecA, nil, next)
	require.NoError(t, err)

	result, err := mw(context.Background(), ecB, nil, next)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestSubjectKey_FallsBackToAnonymous(t *testing.T) {
	ec := &kernel.ExecContext{}
	assert.Equal(t, "anonymous", SubjectKey(ec))
}
