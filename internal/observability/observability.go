// Package observability provides concrete Observer and Tracer
// implementations for the kernel, backed by OpenTelemetry tracing and
// Prometheus metrics. The kernel only depends on the Observer/Tracer
// interfaces in internal/kernel; this package is what a host wires in
// when it wants the hooks to do anything.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kernelmcp/toolkernel/internal/kernel"
)

// OtelTracer opens a span per dispatch using a named tracer.
type OtelTracer struct {
	tracer trace.Tracer
}

// NewOtelTracer builds a Tracer bound to an OpenTelemetry tracer
// registered under instrumentationName.
func NewOtelTracer(instrumentationName string) *OtelTracer {
	return &OtelTracer{tracer: otel.Tracer(instrumentationName)}
}

func (t *OtelTracer) StartSpan(ctx context.Context, route string) (context.Context, func()) {
	spanCtx, span := t.tracer.Start(ctx, "kernel.dispatch",
		trace.WithAttributes(attribute.String("kernel.route", route)))
	return spanCtx, func() { span.End() }
}

// PromObserver records per-route call counts and latency histograms.
type PromObserver struct {
	calls    *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewPromObserver builds an Observer and registers its collectors with
// reg. Pass prometheus.DefaultRegisterer for the global registry.
func NewPromObserver(reg prometheus.Registerer) *PromObserver {
	o := &PromObserver{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_dispatch_total",
			Help: "Total tool dispatches by route.",
		}, []string{"route"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_dispatch_errors_total",
			Help: "Total dispatches that returned isError=true, by route.",
		}, []string{"route"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kernel_dispatch_duration_seconds",
			Help:    "Dispatch latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(o.calls, o.errors, o.latency)
	return o
}

func (o *PromObserver) OnDispatchStart(_ context.Context, route string) {
	o.calls.WithLabelValues(route).Inc()
}

func (o *PromObserver) OnDispatchEnd(_ context.Context, route string, resp kernel.WireResponse, _ error, d time.Duration) {
	o.latency.WithLabelValues(route).Observe(d.Seconds())
	if resp.IsError {
		o.errors.WithLabelValues(route).Inc()
	}
}

// Multi fans a single Observer call out to several observers — useful
// to combine PromObserver with a logging observer.
type Multi []kernel.Observer

func (m Multi) OnDispatchStart(ctx context.Context, route string) {
	for _, o := range m {
		o.OnDispatchStart(ctx, route)
	}
}

func (m Multi) OnDispatchEnd(ctx context.Context, route string, resp kernel.WireResponse, err error, d time.Duration) {
	for _, o := range m {
		o.OnDispatchEnd(ctx, route, resp, err, d)
	}
}
