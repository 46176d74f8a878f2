package kernel

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// MaxPolicyCacheSize bounds the policy engine's resolution cache;
// beyond this the cache is cleared wholesale rather than evicted
// incrementally (§4.6, §8 invariant 9).
const MaxPolicyCacheSize = 2048

// maxGlobBacktrack bounds matchGlob's iteration count so a pathological
// pattern (many "**" segments against a long name) cannot spin forever.
const maxGlobBacktrack = 1024

// CacheControl is the directive attached to a tool description telling
// the LLM how aggressively it may cache that tool's results.
type CacheControl string

const (
	CacheNoStore   CacheControl = "no-store"
	CacheImmutable CacheControl = "immutable"
)

// Policy maps a tool-name glob to a cache directive and/or a set of
// invalidation globs fired on every successful call matching Match.
type Policy struct {
	Match       string
	CacheControl CacheControl
	Invalidates []string
}

var globSegmentRE = regexp.MustCompile(`^(\*{1,2}|[A-Za-z0-9_-]+)$`)

func validateGlob(glob string) error {
	for _, seg := range strings.Split(glob, ".") {
		if !globSegmentRE.MatchString(seg) {
			return fmt.Errorf("invalid glob segment %q in %q", seg, glob)
		}
	}
	return nil
}

// PolicyConfig is the user-supplied state-sync configuration.
type PolicyConfig struct {
	Default  *Policy
	Policies []Policy
}

// PolicyEngine resolves a tool name to its effective Policy, pre-freezing
// and validating every glob at construction time (policy configuration
// errors are fatal at startup, per §7 kind 6).
type PolicyEngine struct {
	policies []Policy
	def      *Policy

	mu    sync.Mutex
	cache map[string]*Policy
}

// NewPolicyEngine validates cfg and builds a ready-to-use engine.
// Returns an error (never panics) if any glob or cache directive is
// malformed — the caller is expected to treat this as a fatal startup
// condition.
func NewPolicyEngine(cfg PolicyConfig) (*PolicyEngine, error) {
	for _, p := range cfg.Policies {
		if err := validateGlob(p.Match); err != nil {
			return nil, err
		}
		if err := validateCacheControl(p.CacheControl); err != nil {
			return nil, err
		}
		for _, inv := range p.Invalidates {
			if err := validateGlob(inv); err != nil {
				return nil, err
			}
		}
	}
	if cfg.Default != nil {
		if err := validateCacheControl(cfg.Default.CacheControl); err != nil {
			return nil, err
		}
	}
	return &PolicyEngine{
		policies: append([]Policy(nil), cfg.Policies...),
		def:      cfg.Default,
		cache:    make(map[string]*Policy),
	}, nil
}

func validateCacheControl(cc CacheControl) error {
	if cc == "" {
		return nil
	}
	if cc != CacheNoStore && cc != CacheImmutable {
		return fmt.Errorf("invalid cache-control directive: %q", cc)
	}
	return nil
}

// Resolve returns the first policy whose Match glob matches name,
// falling back to the configured default (nil if none). Results are
// cached; the cache is cleared wholesale once it would exceed
// MaxPolicyCacheSize.
func (e *PolicyEngine) Resolve(name string) *Policy {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.cache[name]; ok {
		return p
	}

	var resolved *Policy
	for i := range e.policies {
		if matchGlob(e.policies[i].Match, name) {
			resolved = &e.policies[i]
			break
		}
	}
	if resolved == nil {
		resolved = e.def
	}

	if len(e.cache) >= MaxPolicyCacheSize {
		e.cache = make(map[string]*Policy)
	}
	e.cache[name] = resolved
	return resolved
}

// CacheSize reports the current number of cached resolutions, for
// housekeeping/observability purposes.
func (e *PolicyEngine) CacheSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// Prewarm resolves every name in names, populating the cache ahead of
// the first real dispatch for each. Used by a periodic housekeeping
// job to keep steady-state lookups cache-hot after a wholesale clear.
func (e *PolicyEngine) Prewarm(names []string) {
	for _, n := range names {
		e.Resolve(n)
	}
}

// matchGlob tests name against a dot-segmented glob pattern: "*" matches
// exactly one segment, "**" matches zero or more segments, any other
// segment must be literal-equal. Matching recurses once per "**"
// segment tried (it is not an iterative matcher); a single
// maxGlobBacktrack budget shared across all branches bounds the total
// number of steps, so every match terminates.
func matchGlob(pattern, name string) bool {
	p := strings.Split(pattern, ".")
	n := strings.Split(name, ".")
	budget := maxGlobBacktrack
	return matchSegments(p, n, &budget)
}

// matchSegments walks pattern segments against name segments. budget is
// a shared, mutable iteration counter (not per-branch) so a
// pathological pattern — many "**" segments tried against a long name —
// cannot exceed maxGlobBacktrack total steps across every branch tried.
func matchSegments(p, n []string, budget *int) bool {
	for len(p) > 0 {
		*budget--
		if *budget < 0 {
			return false
		}
		seg := p[0]
		if seg == "**" {
			// Zero-or-more: try consuming 0, 1, 2, … of the remaining name
			// segments against the rest of the pattern.
			rest := p[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(n); i++ {
				*budget--
				if *budget < 0 {
					return false
				}
				if matchSegments(rest, n[i:], budget) {
					return true
				}
			}
			return false
		}
		if len(n) == 0 {
			return false
		}
		if seg != "*" && seg != n[0] {
			return false
		}
		p = p[1:]
		n = n[1:]
	}
	return len(n) == 0
}
