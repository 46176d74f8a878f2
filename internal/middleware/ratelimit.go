package middleware

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/kernelmcp/toolkernel/internal/kernel"
)

// KeyFunc extracts the rate-limit bucket key for a call — typically
// the authenticated subject derived by RequireAuth, falling back to a
// fixed key for an unauthenticated, globally-shared bucket.
type KeyFunc func(ec *kernel.ExecContext) string

// SubjectKey reads "auth.subject" off the execution context, falling
// back to "anonymous" when RequireAuth hasn't run.
func SubjectKey(ec *kernel.ExecContext) string {
	if v, ok := ec.Get("auth.subject"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "anonymous"
}

// RateLimit builds a middleware enforcing an independent token bucket
// per key (rps sustained rate, burst capacity). A depleted bucket
// short-circuits with a retryable error carrying a retry_after hint
// rather than blocking the caller.
func RateLimit(rps rate.Limit, burst int, key KeyFunc) kernel.Middleware {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)

	limiterFor := func(k string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[k]
		if !ok {
			l = rate.NewLimiter(rps, burst)
			limiters[k] = l
		}
		return l
	}

	return func(ctx context.Context, ec *kernel.ExecContext, args map[string]any, next kernel.Next) (any, error) {
		l := limiterFor(key(ec))
		res := l.Reserve()
		if !res.OK() || res.Delay() > 0 {
			res.Cancel()
			return kernel.NewError("rate_limited", fmt.Sprintf("rate limit exceeded for %q", key(ec))).
				Severity(kernel.SeverityError).
				RetryAfter(1).
				Build(), nil
		}
		return next()
	}
}
