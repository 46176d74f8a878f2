package kernel

// Result is a two-variant success/failure carrier used internally by the
// pipeline to short-circuit without panicking across middleware
// boundaries. Middleware and handlers that want to fail the call
// explicitly (rather than via a Go error, which the pipeline treats as a
// handler error) return a Result built with Failure.
type Result struct {
	ok    bool
	value any
	err   *ErrorDescriptor
}

// Ok wraps a successful handler return value.
func Ok(value any) Result {
	return Result{ok: true, value: value}
}

// Failure wraps a structured error descriptor, short-circuiting the chain.
func Failure(desc *ErrorDescriptor) Result {
	return Result{ok: false, err: desc}
}

// IsOk reports whether the result is the success variant.
func (r Result) IsOk() bool { return r.ok }

// Value returns the carried success value. Only meaningful when IsOk.
func (r Result) Value() any { return r.value }

// Error returns the carried error descriptor. Only meaningful when !IsOk.
func (r Result) Error() *ErrorDescriptor { return r.err }
