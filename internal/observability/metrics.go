package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CycleMetrics aggregates the engine's per-cycle counters.
type CycleMetrics struct {
	cycles     metric.Int64Counter
	purged     metric.Int64Counter
	submitted  metric.Int64Counter
	rejected   metric.Int64Counter
	gateBlocks metric.Int64Counter
}

var (
	cycleMetrics     *CycleMetrics
	cycleMetricsOnce sync.Once
)

// EngineMetrics returns the lazily-initialized engine counter set.
func EngineMetrics() *CycleMetrics {
	cycleMetricsOnce.Do(func() {
		meter := otel.Meter("execution.engine")
		cycles, _ := meter.Int64Counter("engine_cycles_total",
			metric.WithDescription("Completed engine cycles"))
		purged, _ := meter.Int64Counter("engine_intents_purged_total",
			metric.WithDescription("Entry intents removed by TTL purge"))
		submitted, _ := meter.Int64Counter("engine_orders_submitted_total",
			metric.WithDescription("Orders accepted by the broker collaborator"))
		rejected, _ := meter.Int64Counter("engine_intents_rejected_total",
			metric.WithDescription("Trade intents rejected by arbitration or sleeve enforcement"))
		gateBlocks, _ := meter.Int64Counter("engine_gate_blocks_total",
			metric.WithDescription("Cycles blocked by an entry gate"))
		cycleMetrics = &CycleMetrics{
			cycles:     cycles,
			purged:     purged,
			submitted:  submitted,
			rejected:   rejected,
			gateBlocks: gateBlocks,
		}
	})
	return cycleMetrics
}

// CycleCompleted records one finished cycle in the given mode.
func (m *CycleMetrics) CycleCompleted(ctx context.Context, mode string) {
	if m == nil || m.cycles == nil {
		return
	}
	m.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// IntentsPurged records intents removed by TTL purge.
func (m *CycleMetrics) IntentsPurged(ctx context.Context, n int64) {
	if m == nil || m.purged == nil || n == 0 {
		return
	}
	m.purged.Add(ctx, n)
}

// OrderSubmitted records one accepted broker submission.
func (m *CycleMetrics) OrderSubmitted(ctx context.Context, strategyID string) {
	if m == nil || m.submitted == nil {
		return
	}
	m.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategyID)))
}

// IntentRejected records one rejection with its primary reason code.
func (m *CycleMetrics) IntentRejected(ctx context.Context, reason string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// GateBlocked records a cycle whose entry side was stopped by a gate.
func (m *CycleMetrics) GateBlocked(ctx context.Context, code string) {
	if m == nil || m.gateBlocks == nil {
		return
	}
	m.gateBlocks.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", code)))
}
