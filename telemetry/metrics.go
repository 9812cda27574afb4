package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	passDuration metric.Float64Histogram
	passes       metric.Int64Counter
	transitions  metric.Int64Counter
	staleDrops   metric.Int64Counter
	dispatches   metric.Int64Counter
	reconciled   metric.Int64Counter
	ingested     metric.Int64Counter
}

// NewMetrics builds instruments on the global meter provider.
func NewMetrics() *Metrics {
	return NewMetricsFrom(Meter(""))
}

// NewMetricsFrom builds instruments on m. Instrument construction errors
// fall back to no-op instruments inside the SDK, so they are ignored.
func NewMetricsFrom(m metric.Meter) *Metrics {
	passDuration, _ := m.Float64Histogram("sage.scan.pass.duration",
		metric.WithDescription("Scan pass wall time"),
		metric.WithUnit("ms"),
	)
	passes, _ := m.Int64Counter("sage.scan.passes",
		metric.WithDescription("Scan passes by outcome"),
	)
	transitions, _ := m.Int64Counter("sage.obligation.transitions",
		metric.WithDescription("Automatic and manual transitions applied, by action and target status"),
	)
	staleDrops, _ := m.Int64Counter("sage.obligation.stale_drops",
		metric.WithDescription("Scheduler writes dropped because another writer won the race"),
	)
	dispatches, _ := m.Int64Counter("sage.dispatch.requests",
		metric.WithDescription("Dispatch requests settled, by outcome"),
	)
	reconciled, _ := m.Int64Counter("sage.reconcile.messages",
		metric.WithDescription("Inbound messages reconciled, by match kind"),
	)
	ingested, _ := m.Int64Counter("sage.ingest.events",
		metric.WithDescription("Classification events ingested, by outcome"),
	)
	return &Metrics{
		passDuration: passDuration,
		passes:       passes,
		transitions:  transitions,
		staleDrops:   staleDrops,
		dispatches:   dispatches,
		reconciled:   reconciled,
		ingested:     ingested,
	}
}

func (m *Metrics) ScanPass(ctx context.Context, elapsed time.Duration, outcome string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.passDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	m.passes.Add(ctx, 1, attrs)
}

func (m *Metrics) Transition(ctx context.Context, action, status string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("status", status),
	))
}

func (m *Metrics) StaleDrop(ctx context.Context) {
	if m == nil {
		return
	}
	m.staleDrops.Add(ctx, 1)
}

func (m *Metrics) Dispatch(ctx context.Context, stage, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) Reconcile(ctx context.Context, match string) {
	if m == nil {
		return
	}
	m.reconciled.Add(ctx, 1, metric.WithAttributes(attribute.String("match", match)))
}

func (m *Metrics) Ingest(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.ingested.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
