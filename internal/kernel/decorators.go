package kernel

import (
	"fmt"
	"strings"
	"sync"
)

// StateSync decorates tool descriptions with cache-control directives
// and decorates successful responses with causal invalidation hints,
// per §4.6.
type StateSync struct {
	engine *PolicyEngine

	mu        sync.Mutex
	decorated map[string]string // policy key -> decorated description, memoised
}

// NewStateSync builds a state-sync decorator bound to engine.
func NewStateSync(engine *PolicyEngine) *StateSync {
	return &StateSync{engine: engine, decorated: make(map[string]string)}
}

// DecorateDescription appends " [Cache-Control: <directive>]" to desc
// for policyKey, if a resolved policy declares one. Results are
// memoised by policyKey since tool definitions are immutable after
// finalisation.
func (s *StateSync) DecorateDescription(policyKey, desc string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.decorated[policyKey]; ok {
		return cached
	}

	out := desc
	if policy := s.engine.Resolve(policyKey); policy != nil && policy.CacheControl != "" {
		out = desc + fmt.Sprintf(" [Cache-Control: %s]", policy.CacheControl)
	}
	s.decorated[policyKey] = out
	return out
}

// DecorateResponse prepends a <cache_invalidation> block at content
// index 0 when resp is a successful call whose policy (resolved by the
// internal dotted policyKey) declares invalidation domains. The block's
// cause attribute names the wire-visible route, not the resolution key.
// A failed call (IsError=true) is never decorated — a failed mutation
// must not invalidate caches.
func (s *StateSync) DecorateResponse(policyKey, routeName string, resp WireResponse) WireResponse {
	if resp.IsError {
		return resp
	}
	policy := s.engine.Resolve(policyKey)
	if policy == nil || len(policy.Invalidates) == 0 {
		return resp
	}
	block := TextBlock(fmt.Sprintf(
		`<cache_invalidation cause=%q domains=%q />`,
		routeName, strings.Join(policy.Invalidates, ", "),
	))
	return resp.WithLeadingBlock(block)
}
