package kernel

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyEngine_RejectsInvalidGlob(t *testing.T) {
	_, err := NewPolicyEngine(PolicyConfig{
		Policies: []Policy{{Match: "notes.*!bad"}},
	})
	require.Error(t, err)
}

func TestPolicyEngine_RejectsInvalidCacheControl(t *testing.T) {
	_, err := NewPolicyEngine(PolicyConfig{
		Policies: []Policy{{Match: "notes.list", CacheControl: "sometimes"}},
	})
	require.Error(t, err)
}

func TestPolicyEngine_ResolveFirstMatchWins(t *testing.T) {
	engine, err := NewPolicyEngine(PolicyConfig{
		Policies: []Policy{
			{Match: "notes.list", CacheControl: CacheNoStore},
			{Match: "notes.*", CacheControl: CacheImmutable},
		},
	})
	require.NoError(t, err)

	p := engine.Resolve("notes.list")
	require.NotNil(t, p)
	assert.Equal(t, CacheNoStore, p.CacheControl)
}

func TestPolicyEngine_FallsBackToDefault(t *testing.T) {
	engine, err := NewPolicyEngine(PolicyConfig{
		Default: &Policy{CacheControl: CacheNoStore},
	})
	require.NoError(t, err)

	p := engine.Resolve("anything.at.all")
	require.NotNil(t, p)
	assert.Equal(t, CacheNoStore, p.CacheControl)
}

func TestPolicyEngine_NoMatchNoDefaultReturnsNil(t *testing.T) {
	engine, err := NewPolicyEngine(PolicyConfig{})
	require.NoError(t, err)
	assert.Nil(t, engine.Resolve("anything"))
}

func TestPolicyEngine_CacheWholesaleClearBoundsSize(t *testing.T) {
	engine, err := NewPolicyEngine(PolicyConfig{Default: &Policy{CacheControl: CacheNoStore}})
	require.NoError(t, err)

	for i := 0; i < MaxPolicyCacheSize+10; i++ {
		engine.Resolve(fmt.Sprintf("tool%d.action", i))
	}
	assert.LessOrEqual(t, engine.CacheSize(), MaxPolicyCacheSize)
}

func TestPolicyEngine_Prewarm(t *testing.T) {
	engine, err := NewPolicyEngine(PolicyConfig{Default: &Policy{CacheControl: CacheNoStore}})
	require.NoError(t, err)

	engine.Prewarm([]string{"a.b", "c.d"})
	assert.Equal(t, 2, engine.CacheSize())
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"notes.list", "notes.list", true},
		{"notes.list", "notes.get", false},
		{"notes.*", "notes.list", true},
		{"notes.*", "notes.list.extra", false},
		{"notes.**", "notes.list.extra", true},
		{"notes.**", "notes", true},
		{"**", "anything.at.all", true},
		{"*.list", "notes.list", true},
		{"*.list", "notes.notes.list", false},
	}
	for _, tc := range tests {
		t.Run(tc.pattern+"/"+tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, matchGlob(tc.pattern, tc.name))
		})
	}
}

func TestStateSync_DecorateDescriptionAppendsDirective(t *testing.T) {
	engine, err := NewPolicyEngine(PolicyConfig{
		Policies: []Policy{{Match: "notes", CacheControl: CacheImmutable}},
	})
	require.NoError(t, err)
	s := NewStateSync(engine)

	out := s.DecorateDescription("notes", "Manage notes.")
	assert.Contains(t, out, "Cache-Control: immutable")
}

func TestStateSync_DecorateResponse_SkipsErrors(t *testing.T) {
	engine, err := NewPolicyEngine(PolicyConfig{
		Policies: []Policy{{Match: "notes.delete", Invalidates: []string{"notes.list"}}},
	})
	require.NoError(t, err)
	s := NewStateSync(engine)

	resp := WireResponse{IsError: true}
	out := s.DecorateResponse("notes.delete", "notes_delete", resp)
	assert.Equal(t, resp, out)
}

func TestStateSync_DecorateResponse_PrependsInvalidationBlock(t *testing.T) {
	engine, err := NewPolicyEngine(PolicyConfig{
		Policies: []Policy{{Match: "notes.delete", Invalidates: []string{"notes.list", "notes.get"}}},
	})
	require.NoError(t, err)
	s := NewStateSync(engine)

	resp := TextResponse("note deleted")
	out := s.DecorateResponse("notes.delete", "notes_delete", resp)
	require.Len(t, out.Content, 2)
	assert.Contains(t, out.Content[0].Text, "cache_invalidation")
	assert.Contains(t, out.Content[0].Text, `cause="notes_delete"`)
	assert.Contains(t, out.Content[0].Text, "notes.list")
	assert.Equal(t, "note deleted", out.Content[1].Text)
}
