package demo

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelmcp/toolkernel/internal/kernel"
)

func newNotesKernel(t *testing.T) (*kernel.Kernel, *kernel.PolicyEngine) {
	t.Helper()
	store := NewNoteStore()

	r := kernel.NewRegistry()
	require.NoError(t, r.Register(BuildNotesTool(store, nil, nil)))
	table, err := r.Finalize(kernel.DefaultConfig())
	require.NoError(t, err)

	engine, err := kernel.NewPolicyEngine(kernel.PolicyConfig{Policies: NotesPolicies()})
	require.NoError(t, err)

	return kernel.New(table, kernel.WithStateSync(kernel.NewStateSync(engine))), engine
}

func TestNotesTool_CreateThenList(t *testing.T) {
	k, _ := newNotesKernel(t)
	ctx := context.Background()

	created := k.Dispatch(ctx, "notes", map[string]any{
		"action": "create",
		"title":  "First",
		"body":   "hello",
		"owner":  "ada",
	}, nil, nil)
	require.False(t, created.IsError)

	listed := k.Dispatch(ctx, "notes", map[string]any{"action": "list"}, nil, nil)
	require.False(t, listed.IsError)
	assert.Contains(t, listed.Content[0].Text, "First")
}

func TestNotesTool_CreateInvalidatesListCache(t *testing.T) {
	k, _ := newNotesKernel(t)
	ctx := context.Background()

	resp := k.Dispatch(ctx, "notes", map[string]any{
		"action": "create",
		"title":  "Second",
		"body":   "body",
		"owner":  "ada",
	}, nil, nil)
	require.False(t, resp.IsError)

	var sawInvalidation bool
	for _, b := range resp.Content {
		if strings.Contains(b.Text, "cache_invalidation") {
			sawInvalidation = true
		}
	}
	assert.True(t, sawInvalidation, "expected a cache_invalidation block naming notes.list")
}

func TestNotesTool_SSNIsRedactedInCreateResponse(t *testing.T) {
	k, _ := newNotesKernel(t)
	ctx := context.Background()

	created := k.Dispatch(ctx, "notes", map[string]any{
		"action": "create",
		"title":  "Has SSN",
		"body":   "body",
		"owner":  "ada",
		"ssn":    "111-22-3333",
	}, nil, nil)
	require.False(t, created.IsError)
	assert.NotContains(t, created.Content[1].Text, "111-22-3333")
	assert.Contains(t, created.Content[1].Text, kernel.RedactionMarker)
}

func TestNotesTool_DeleteRequiresForceConfirmation(t *testing.T) {
	k, _ := newNotesKernel(t)
	ctx := context.Background()

	created := k.Dispatch(ctx, "notes", map[string]any{
		"action": "create",
		"title":  "To delete",
		"body":   "body",
		"owner":  "ada",
	}, nil, nil)
	require.False(t, created.IsError)

	listed := k.Dispatch(ctx, "notes", map[string]any{"action": "list"}, nil, nil)
	require.False(t, listed.IsError)

	blocked := k.Dispatch(ctx, "notes", map[string]any{"action": "delete", "id": extractFirstID(t, listed)}, nil, nil)
	require.True(t, blocked.IsError)
	assert.Equal(t, "guard_blocked", blocked.Error.Code)

	allowed := k.Dispatch(ctx, "notes", map[string]any{
		"action": "delete",
		"id":     extractFirstID(t, listed),
		"force":  true,
	}, nil, nil)
	require.False(t, allowed.IsError)
}

// extractFirstID pulls the id field out of a notes/list response well
// enough for tests; it relies on the seeded store containing exactly
// the notes this test itself created.
func extractFirstID(t *testing.T, resp kernel.WireResponse) string {
	t.Helper()
	text := resp.Content[0].Text
	const marker = `"id":"`
	i := strings.Index(text, marker)
	require.GreaterOrEqual(t, i, 0)
	start := i + len(marker)
	end := strings.IndexByte(text[start:], '"')
	require.GreaterOrEqual(t, end, 0)
	return text[start : start+end]
}
