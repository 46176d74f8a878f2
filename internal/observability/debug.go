package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/kernelmcp/toolkernel/internal/kernel"
)

// DebugObserver logs one structured line per dispatch. It is the
// teacher's established style of ambient logging (slog, JSON handler to
// stderr) applied to the kernel's lifecycle hooks rather than handler
// code directly, so no handler needs to know it's being observed.
type DebugObserver struct {
	logger *slog.Logger
}

// NewDebugObserver wraps logger as a kernel.Observer.
func NewDebugObserver(logger *slog.Logger) *DebugObserver {
	return &DebugObserver{logger: logger}
}

func (d *DebugObserver) OnDispatchStart(_ context.Context, route string) {
	d.logger.Debug("dispatch start", "route", route)
}

func (d *DebugObserver) OnDispatchEnd(_ context.Context, route string, resp kernel.WireResponse, err error, dur time.Duration) {
	attrs := []any{"route", route, "duration_ms", dur.Milliseconds(), "is_error", resp.IsError}
	if err != nil {
		attrs = append(attrs, "error", err.Error())
		d.logger.Error("dispatch failed", attrs...)
		return
	}
	d.logger.Debug("dispatch end", attrs...)
}
