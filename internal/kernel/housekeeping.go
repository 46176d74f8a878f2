package kernel

import (
	"context"
	"log/slog"
)

// HousekeepingJob periodically pre-warms the state-sync policy cache
// for every known route, so a wholesale cache clear (triggered once
// MaxPolicyCacheSize is exceeded) doesn't leave the very next dispatch
// for a hot route paying a fresh glob-match pass. It implements
// scheduler.Job by structural typing (Name() string; Run(ctx) error).
type HousekeepingJob struct {
	table  *RoutingTable
	engine *PolicyEngine
	logger *slog.Logger
}

// NewHousekeepingJob builds a job scoped to one routing table and
// policy engine. engine may be nil if the host runs without state-sync,
// in which case Run is a no-op.
func NewHousekeepingJob(table *RoutingTable, engine *PolicyEngine, logger *slog.Logger) *HousekeepingJob {
	return &HousekeepingJob{table: table, engine: engine, logger: logger}
}

func (j *HousekeepingJob) Name() string { return "policy-cache-prewarm" }

func (j *HousekeepingJob) Run(ctx context.Context) error {
	if j.engine == nil {
		return nil
	}
	// Dispatch resolves policies on "toolName.actionKey", not on the wire
	// route name, so those are the keys warmed here.
	var keys []string
	for _, name := range j.table.RouteOrder {
		route := j.table.Routes[name]
		if route.Grouped {
			for _, key := range route.ActionKeys() {
				keys = append(keys, route.ToolName+"."+key)
			}
			continue
		}
		keys = append(keys, route.ToolName+"."+route.ActionKey)
	}
	before := j.engine.CacheSize()
	j.engine.Prewarm(keys)
	j.logger.Debug("policy cache prewarmed",
		"routes", len(j.table.RouteOrder),
		"cache_size_before", before,
		"cache_size_after", j.engine.CacheSize())
	return nil
}
