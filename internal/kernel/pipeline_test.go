package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

// TestMain guards the whole package against goroutine leaks — the
// pipeline spawns no goroutines of its own, but a leaked generator
// drain would otherwise go unnoticed.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func echoAction(key string, opt ...bool) Action {
	optional := len(opt) > 0 && opt[0]
	nameParam := String("name to echo")
	if optional {
		nameParam = nameParam.Opt()
	}
	return Action{
		Key:    key,
		Params: ParamSchema{"name": nameParam},
		Handler: DirectHandler(func(_ context.Context, _ *ExecContext, args map[string]any) (any, error) {
			name, _ := args["name"].(string)
			return "hello " + name, nil
		}),
	}
}

func newFlatTable(t *testing.T) *RoutingTable {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(Tool{
		Name:    "greet",
		Actions: []Action{echoAction("hello")},
	}))
	table, err := r.Finalize(DefaultConfig())
	require.NoError(t, err)
	return table
}

func newGroupedTable(t *testing.T) *RoutingTable {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(Tool{
		Name:       "greet",
		Exposition: ExpositionGrouped,
		Actions: []Action{
			echoAction("hello"),
			echoAction("bye"),
		},
	}))
	table, err := r.Finalize(DefaultConfig())
	require.NoError(t, err)
	return table
}

func TestDispatch_UnknownRoute(t *testing.T) {
	k := New(newFlatTable(t))
	resp := k.Dispatch(context.Background(), "nope", map[string]any{}, nil, nil)
	require.True(t, resp.IsError)
	assert.Equal(t, "unknown_tool", resp.Error.Code)
}

func TestDispatch_FlatRoute(t *testing.T) {
	k := New(newFlatTable(t))
	resp := k.Dispatch(context.Background(), "greet_hello", map[string]any{"name": "ada"}, nil, nil)
	require.False(t, resp.IsError)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "hello ada", resp.Content[0].Text)
}

func TestDispatch_ValidationFailure(t *testing.T) {
	k := New(newFlatTable(t))
	resp := k.Dispatch(context.Background(), "greet_hello", map[string]any{}, nil, nil)
	require.True(t, resp.IsError)
	assert.Equal(t, "validation_failed", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "name")
}

func TestDispatch_GroupedRoute_DiscriminatorRequired(t *testing.T) {
	k := New(newGroupedTable(t))
	resp := k.Dispatch(context.Background(), "greet", map[string]any{"name": "ada"}, nil, nil)
	require.True(t, resp.IsError)
	assert.Equal(t, "discriminator_required", resp.Error.Code)
}

func TestDispatch_GroupedRoute_UnknownAction(t *testing.T) {
	k := New(newGroupedTable(t))
	resp := k.Dispatch(context.Background(), "greet", map[string]any{"action": "nope", "name": "ada"}, nil, nil)
	require.True(t, resp.IsError)
	assert.Equal(t, "unknown_action", resp.Error.Code)
}

func TestDispatch_GroupedRoute_ResolvesAction(t *testing.T) {
	k := New(newGroupedTable(t))
	resp := k.Dispatch(context.Background(), "greet", map[string]any{"action": "bye", "name": "ada"}, nil, nil)
	require.False(t, resp.IsError)
	assert.Equal(t, "hello ada", resp.Content[0].Text)
}

// TestDispatch_PolicyKeyIndependentOfExposition pins the invariant that
// state-sync policy resolution always keys on toolName.actionKey, so a
// grouped tool's per-action policies are reachable even though every
// action shares one wire route name.
func TestDispatch_PolicyKeyIndependentOfExposition(t *testing.T) {
	table := newGroupedTable(t)
	engine, err := NewPolicyEngine(PolicyConfig{
		Policies: []Policy{
			{Match: "greet.bye", Invalidates: []string{"greet.hello"}},
		},
	})
	require.NoError(t, err)

	k := New(table, WithStateSync(NewStateSync(engine)))

	resp := k.Dispatch(context.Background(), "greet", map[string]any{"action": "bye", "name": "ada"}, nil, nil)
	require.False(t, resp.IsError)
	require.Len(t, resp.Content, 2)
	assert.Contains(t, resp.Content[0].Text, "cache_invalidation")
	assert.Contains(t, resp.Content[0].Text, "greet.hello")
}

func TestDispatch_HandlerErrorSurfacesAsToolError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Tool{
		Name: "fail",
		Actions: []Action{{
			Key:    "boom",
			Params: ParamSchema{},
			Handler: DirectHandler(func(_ context.Context, _ *ExecContext, _ map[string]any) (any, error) {
				return nil, assertErr{"kaboom"}
			}),
		}},
	}))
	table, err := r.Finalize(DefaultConfig())
	require.NoError(t, err)

	k := New(table)
	resp := k.Dispatch(context.Background(), "fail_boom", map[string]any{}, nil, nil)
	require.True(t, resp.IsError)
	assert.Equal(t, "handler_error", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "kaboom")
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func TestDispatch_MiddlewareCanShortCircuit(t *testing.T) {
	blocked := Middleware(func(_ context.Context, _ *ExecContext, _ map[string]any, _ Next) (any, error) {
		return NewError("blocked_by_test", "nope").Build(), nil
	})

	r := NewRegistry()
	require.NoError(t, r.Register(Tool{
		Name: "gate",
		Actions: []Action{{
			Key:        "go",
			Params:     ParamSchema{},
			Middleware: []Middleware{blocked},
			Handler: DirectHandler(func(_ context.Context, _ *ExecContext, _ map[string]any) (any, error) {
				return "should not run", nil
			}),
		}},
	}))
	table, err := r.Finalize(DefaultConfig())
	require.NoError(t, err)

	k := New(table)
	resp := k.Dispatch(context.Background(), "gate_go", map[string]any{}, nil, nil)
	require.True(t, resp.IsError)
	assert.Equal(t, "blocked_by_test", resp.Error.Code)
}

// TestDispatch_ConcurrentCallsAreSafe fans out many concurrent
// dispatches across a shared Kernel and PolicyEngine, exercising the
// mutex-guarded policy cache (§8 invariant 9) under real contention.
func TestDispatch_ConcurrentCallsAreSafe(t *testing.T) {
	table := newFlatTable(t)
	engine, err := NewPolicyEngine(PolicyConfig{Default: &Policy{CacheControl: CacheNoStore}})
	require.NoError(t, err)
	k := New(table, WithStateSync(NewStateSync(engine)))

	var g errgroup.Group
	for i := 0; i < 200; i++ {
		g.Go(func() error {
			resp := k.Dispatch(context.Background(), "greet_hello", map[string]any{"name": "ada"}, nil, nil)
			if resp.IsError {
				return assertErr{"unexpected error response"}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestDescriptors_DecoratesWithCacheControl(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Tool{
		Name:    "greet",
		Actions: []Action{echoAction("hello")},
	}))
	table, err := r.Finalize(DefaultConfig())
	require.NoError(t, err)

	engine, err := NewPolicyEngine(PolicyConfig{
		Policies: []Policy{{Match: "greet.*", CacheControl: CacheImmutable}},
	})
	require.NoError(t, err)

	k := New(table, WithStateSync(NewStateSync(engine)))
	descs := k.Descriptors()
	require.Len(t, descs, 1)
	assert.Equal(t, "greet_hello", descs[0].Name)
	assert.Contains(t, descs[0].Description, "Cache-Control: immutable")
}

// TestDescriptors_FlatExposition_OneDescriptorPerRoute pins §4.1/§6: a
// flat tool's tools/list view must carry an independently-schema'd
// descriptor per action, not a single tool-level stub with an empty
// input schema.
func TestDescriptors_FlatExposition_OneDescriptorPerRoute(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Tool{
		Name: "greet",
		Actions: []Action{
			echoAction("hello"),
			echoAction("bye"),
		},
	}))
	table, err := r.Finalize(DefaultConfig())
	require.NoError(t, err)

	k := New(table)
	descs := k.Descriptors()
	require.Len(t, descs, 2)

	byName := map[string]ToolDescriptor{}
	for _, d := range descs {
		byName[d.Name] = d
	}
	hello, ok := byName["greet_hello"]
	require.True(t, ok)
	_, hasName := hello.InputSchema["name"]
	assert.True(t, hasName, "flat route descriptor must advertise its own action's params")

	_, ok = byName["greet_bye"]
	require.True(t, ok)
}

// TestDispatch_SelectNarrowsPresentedFields proves the "_select" meta
// parameter (§4.4 step 3) reaches the presenter end-to-end through
// Dispatch, rather than being silently dropped by validation.
func TestDispatch_SelectNarrowsPresentedFields(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Tool{
		Name: "widget",
		Actions: []Action{{
			Key:    "get",
			Params: ParamSchema{},
			Handler: DirectHandler(func(_ context.Context, _ *ExecContext, _ map[string]any) (any, error) {
				return map[string]any{"id": "w1", "name": "Widget", "secret": "shh"}, nil
			}),
			Presenter: NewPresenter("widget", ParamSchema{
				"id":     String("id"),
				"name":   String("name"),
				"secret": String("secret"),
			}),
		}},
	}))
	table, err := r.Finalize(DefaultConfig())
	require.NoError(t, err)

	k := New(table)
	resp := k.Dispatch(context.Background(), "widget_get", map[string]any{
		"_select": []any{"id", "name"},
	}, nil, nil)
	require.False(t, resp.IsError)
	require.NotEmpty(t, resp.Content)
	assert.Contains(t, resp.Content[0].Text, `"name":"Widget"`)
	assert.NotContains(t, resp.Content[0].Text, "secret")
}
