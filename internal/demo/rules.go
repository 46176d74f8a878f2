package demo

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/kernelmcp/toolkernel/internal/kernel"
)

// RuleExpr compiles and caches expr-lang expressions, then exposes them
// as kernel.DynamicRule closures — a presenter rule whose text depends
// on facts attached to the request context (e.g. the caller's role)
// rather than being fixed at registration time.
type RuleExpr struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
}

func NewRuleExpr() *RuleExpr {
	return &RuleExpr{cache: make(map[string]*vm.Program)}
}

func (r *RuleExpr) compile(expression string) (*vm.Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[expression]; ok {
		return p, nil
	}
	p, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	r.cache[expression] = p
	return p, nil
}

// factsKey is the context key demo tools use to stash the per-request
// fact map an expr rule evaluates against — kept local to this package
// since it's a demo convention, not a kernel concern.
type factsKey struct{}

// WithFacts attaches a fact map to ctx for DynamicRule expressions to read.
func WithFacts(ctx context.Context, facts map[string]any) context.Context {
	return context.WithValue(ctx, factsKey{}, facts)
}

func factsFrom(ctx context.Context) map[string]any {
	if f, ok := ctx.Value(factsKey{}).(map[string]any); ok {
		return f
	}
	return map[string]any{}
}

// Rule compiles expression once and returns a kernel.Rule that
// evaluates it against the request's fact map on every Present call,
// rendering to the resulting string (or a diagnostic if evaluation
// fails — never panicking into the presenter pipeline).
func (r *RuleExpr) Rule(expression string) kernel.Rule {
	return kernel.DynamicRule(func(ctx context.Context) string {
		program, err := r.compile(expression)
		if err != nil {
			return fmt.Sprintf("(rule expression error: %s)", err)
		}
		result, err := expr.Run(program, factsFrom(ctx))
		if err != nil {
			return fmt.Sprintf("(rule evaluation error: %s)", err)
		}
		s, ok := result.(string)
		if !ok {
			return fmt.Sprintf("%v", result)
		}
		return s
	})
}
