package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelmcp/toolkernel/internal/guards"
	"github.com/kernelmcp/toolkernel/internal/kernel"
)

func deriveCtx(tool, action string) DeriveGuardContext {
	return func(_ context.Context, _ *kernel.ExecContext, args map[string]any) *guards.GuardContext {
		force, _ := args["force"].(bool)
		return &guards.GuardContext{Tool: tool, Action: action, Force: force}
	}
}

func TestGuardMiddleware_HardBlockShortCircuits(t *testing.T) {
	hard := guards.NewGuardFunc("always_blocks", func(_ context.Context, _ *guards.GuardContext) guards.Result {
		return guards.Fail("always_blocks", guards.HardBlock, "never allowed", "")
	})
	mw := GuardMiddleware(guards.NewRunner(), []guards.Guard{hard}, deriveCtx("notes", "delete"))

	var nextCalled bool
	result, err := mw(context.Background(), &kernel.ExecContext{}, map[string]any{}, func() (any, error) {
		nextCalled = true
		return "should not run", nil
	})
	require.NoError(t, err)
	assert.False(t, nextCalled)

	resp := result.(kernel.WireResponse)
	assert.True(t, resp.IsError)
	assert.Equal(t, "guard_blocked", resp.Error.Code)
}

func TestGuardMiddleware_SoftBlockOverriddenByForce(t *testing.T) {
	soft := guards.NewGuardFunc("confirm", func(_ context.Context, gctx *guards.GuardContext) guards.Result {
		if gctx.Force {
			return guards.Pass("confirm")
		}
		return guards.Fail("confirm", guards.SoftBlock, "needs confirmation", "retry with force=true")
	})
	mw := GuardMiddleware(guards.NewRunner(), []guards.Guard{soft}, deriveCtx("notes", "delete"))

	result, err := mw(context.Background(), &kernel.ExecContext{}, map[string]any{"force": false}, func() (any, error) {
		return "should not run", nil
	})
	require.NoError(t, err)
	assert.True(t, result.(kernel.WireResponse).IsError)

	var nextCalled bool
	result, err = mw(context.Background(), &kernel.ExecContext{}, map[string]any{"force": true}, func() (any, error) {
		nextCalled = true
		return "ran", nil
	})
	require.NoError(t, err)
	assert.True(t, nextCalled)
	assert.Equal(t, "ran", result)
}

func TestGuardMiddleware_WarningIsAdvisoryNotBlocking(t *testing.T) {
	warn := guards.NewGuardFunc("heads_up", func(_ context.Context, _ *guards.GuardContext) guards.Result {
		return guards.Fail("heads_up", guards.Warning, "this is unusual", "")
	})
	mw := GuardMiddleware(guards.NewRunner(), []guards.Guard{warn}, deriveCtx("notes", "update"))

	ec := &kernel.ExecContext{}
	var nextCalled bool
	result, err := mw(context.Background(), ec, map[string]any{}, func() (any, error) {
		nextCalled = true
		return "ran", nil
	})
	require.NoError(t, err)
	assert.True(t, nextCalled)
	assert.Equal(t, "ran", result)

	advisory, ok := ec.Get("guard.advisories")
	require.True(t, ok)
	assert.Contains(t, advisory, "this is unusual")
}
