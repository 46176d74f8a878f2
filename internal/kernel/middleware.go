package kernel

import "context"

// ExecContext is the per-request value threaded through a compiled
// middleware chain. Base carries whatever opaque value the host supplied
// to Dispatch; Derived accumulates fields contributed by middleware as
// the chain unwinds inward. Mutating Derived before calling Next is the
// only sanctioned way for a middleware to hand data to the handler or to
// middleware further down the chain.
type ExecContext struct {
	Base    any
	Derived map[string]any
}

// Derive merges key into the execution context, visible to every
// downstream middleware and the handler.
func (e *ExecContext) Derive(key string, value any) {
	if e.Derived == nil {
		e.Derived = make(map[string]any)
	}
	e.Derived[key] = value
}

// Get looks up a previously derived value.
func (e *ExecContext) Get(key string) (any, bool) {
	if e.Derived == nil {
		return nil, false
	}
	v, ok := e.Derived[key]
	return v, ok
}

// Next resumes the middleware chain, invoking the next middleware (or
// the handler, at the innermost link).
type Next func() (any, error)

// Middleware is a cross-cutting interceptor: it may inspect/reject the
// call, derive context, call Next (possibly more than once, or not at
// all to short-circuit), and post-process Next's return value.
type Middleware func(ctx context.Context, ec *ExecContext, args map[string]any, next Next) (any, error)

// DirectHandler produces a final result in one shot.
type DirectHandler func(ctx context.Context, ec *ExecContext, args map[string]any) (any, error)

// ProgressEvent is a typed intermediate value emitted by a long-running
// handler before its final result. Percent and Data are optional.
type ProgressEvent struct {
	Stage   string
	Percent *float64
	Message string
	Data    any
}

// StreamItem is one element of a generative handler's output sequence:
// either a progress event, or — exactly once, as the terminator — the
// final result or error.
type StreamItem struct {
	Progress *ProgressEvent
	Final    any
	Err      error
	IsFinal  bool
}

// GenerativeHandler emits a sequence of progress events terminated by a
// final result. Implementations should close the channel after sending
// the terminal StreamItem.
type GenerativeHandler func(ctx context.Context, ec *ExecContext, args map[string]any) <-chan StreamItem

// generatorEnvelope is the branded wrapper the middleware compiler
// produces for a generative handler's invocation. The pipeline
// recognises this type and drains it (§4.8); nothing else in the
// system should construct one directly.
type generatorEnvelope struct {
	stream <-chan StreamItem
}

// compileHandler normalises either handler flavour into the uniform
// (ctx, ec, args) -> (any, error) shape the middleware chain folds
// around. A generative handler's invocation returns immediately with a
// *generatorEnvelope; draining happens later, in the pipeline.
func compileHandler(h any) DirectHandler {
	switch handler := h.(type) {
	case DirectHandler:
		return handler
	case func(context.Context, *ExecContext, map[string]any) (any, error):
		return DirectHandler(handler)
	case GenerativeHandler:
		return func(ctx context.Context, ec *ExecContext, args map[string]any) (any, error) {
			return &generatorEnvelope{stream: handler(ctx, ec, args)}, nil
		}
	case func(context.Context, *ExecContext, map[string]any) <-chan StreamItem:
		return compileHandler(GenerativeHandler(handler))
	default:
		return func(ctx context.Context, ec *ExecContext, args map[string]any) (any, error) {
			return nil, ErrUnknownHandlerKind
		}
	}
}

// ErrUnknownHandlerKind is returned when an action's Handler field is
// neither a DirectHandler nor a GenerativeHandler. Registration-time
// validation should catch this before it ever reaches dispatch.
var ErrUnknownHandlerKind = errorString("handler must be a DirectHandler or GenerativeHandler")

type errorString string

func (e errorString) Error() string { return string(e) }

// CompiledChain is the single frozen closure produced at finalisation
// for one action: middleware folded right-to-left around the handler.
// Rebuilding it after registration is forbidden by construction — there
// is no setter, only CompileChain, which is called once during
// Registry.Finalize.
type CompiledChain func(ctx context.Context, ec *ExecContext, args map[string]any) (any, error)

// CompileChain folds global (outermost) and per-action (innermost)
// middleware around handler: global ∘ action ∘ handler.
func CompileChain(handler any, actionMW, globalMW []Middleware) CompiledChain {
	base := compileHandler(handler)

	chain := func(ctx context.Context, ec *ExecContext, args map[string]any) (any, error) {
		return base(ctx, ec, args)
	}

	// Fold innermost (action) middleware first, so it sits closest to the
	// handler, then outermost (global) middleware around that.
	for i := len(actionMW) - 1; i >= 0; i-- {
		chain = wrap(actionMW[i], chain)
	}
	for i := len(globalMW) - 1; i >= 0; i-- {
		chain = wrap(globalMW[i], chain)
	}
	return chain
}

func wrap(mw Middleware, inner CompiledChain) CompiledChain {
	return func(ctx context.Context, ec *ExecContext, args map[string]any) (any, error) {
		return mw(ctx, ec, args, func() (any, error) {
			return inner(ctx, ec, args)
		})
	}
}
