package kernel

import (
	"context"
	"time"
)

// Observer receives lifecycle events around every dispatch. It exists so
// a host can wire metrics/tracing/debug logging without the kernel
// importing any particular library; when absent, dispatch pays zero
// overhead beyond a nil check.
type Observer interface {
	OnDispatchStart(ctx context.Context, route string)
	OnDispatchEnd(ctx context.Context, route string, resp WireResponse, err error, duration time.Duration)
}

// Tracer opens a span around a dispatch call. Return a no-op stop func
// if tracing is disabled.
type Tracer interface {
	StartSpan(ctx context.Context, route string) (context.Context, func())
}

type noopObserver struct{}

func (noopObserver) OnDispatchStart(context.Context, string)                             {}
func (noopObserver) OnDispatchEnd(context.Context, string, WireResponse, error, time.Duration) {}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string) (context.Context, func()) {
	return ctx, func() {}
}

// NoopObserver is the zero-overhead default used when a host doesn't
// configure observability.
var NoopObserver Observer = noopObserver{}

// NoopTracer is the zero-overhead default used when a host doesn't
// configure tracing.
var NoopTracer Tracer = noopTracer{}
