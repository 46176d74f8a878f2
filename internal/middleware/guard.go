// Package middleware provides concrete kernel.Middleware implementations:
// guard-based authorisation, JWT bearer auth, and rate limiting.
package middleware

import (
	"context"

	"github.com/kernelmcp/toolkernel/internal/guards"
	"github.com/kernelmcp/toolkernel/internal/kernel"
)

// DeriveGuardContext builds the guards.GuardContext for one call. Hosts
// supply this per tool/action to translate validated args and derived
// execution-context facts (e.g. the authenticated subject) into
// whatever the registered guards need to inspect.
type DeriveGuardContext func(ctx context.Context, ec *kernel.ExecContext, args map[string]any) *guards.GuardContext

// GuardMiddleware runs guardSet through runner before the rest of the
// chain executes. A HARD_BLOCK or non-forced SOFT_BLOCK short-circuits
// with a structured guard_blocked error response carrying a recovery
// suggestion (it lists no availableActions); WARNING/SUGGESTION results are derived onto
// the execution context as "guard.advisories" for a presenter or UI
// builder downstream to surface, and the chain proceeds.
func GuardMiddleware(runner *guards.Runner, guardSet []guards.Guard, derive DeriveGuardContext) kernel.Middleware {
	return func(ctx context.Context, ec *kernel.ExecContext, args map[string]any, next kernel.Next) (any, error) {
		gctx := derive(ctx, ec, args)
		outcome := runner.Run(ctx, gctx, guardSet)

		if outcome.Blocked {
			return kernel.NewError("guard_blocked", outcome.FormatBlockMessage()).
				Severity(kernel.SeverityError).
				Suggestion("Use force=true to override soft blocks, if any were reported.").
				Build(), nil
		}

		if advisory := outcome.FormatAdvisoryMessage(); advisory != "" {
			ec.Derive("guard.advisories", advisory)
		}
		return next()
	}
}
