package transport

import "context"

// principalKey is the context key under which the transport stashes
// the raw, unverified bearer credential (if any) extracted from the
// request. The kernel never interprets it — it flows straight into
// ExecContext.Base, where a host's own auth middleware (see
// internal/middleware.RequireAuth) decides what to do with it.
type principalKey struct{}

// WithPrincipal attaches the raw credential string to ctx.
func WithPrincipal(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, principalKey{}, token)
}

// PrincipalFrom extracts the credential previously attached with
// WithPrincipal, or "" if none was set.
func PrincipalFrom(ctx context.Context) string {
	v, _ := ctx.Value(principalKey{}).(string)
	return v
}
