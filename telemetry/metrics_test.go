package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestMetrics_RecordsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := NewMetricsFrom(mp.Meter("test"))
	ctx := context.Background()

	m.Transition(ctx, "advance", "REMINDED")
	m.Transition(ctx, "advance", "ESCALATED")
	m.StaleDrop(ctx)
	m.Dispatch(ctx, "REMINDED", "acked")
	m.Reconcile(ctx, "thread")
	m.Ingest(ctx, "created")
	m.ScanPass(ctx, 15*time.Millisecond, "ok")

	sums := collect(t, reader)
	assert.Equal(t, int64(2), sums["sage.obligation.transitions"])
	assert.Equal(t, int64(1), sums["sage.obligation.stale_drops"])
	assert.Equal(t, int64(1), sums["sage.dispatch.requests"])
	assert.Equal(t, int64(1), sums["sage.reconcile.messages"])
	assert.Equal(t, int64(1), sums["sage.ingest.events"])
	assert.Equal(t, int64(1), sums["sage.scan.passes"])
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.Transition(context.Background(), "advance", "REMINDED")
	m.ScanPass(context.Background(), time.Second, "ok")
}

func TestInit_DisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Settings{}, "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	NewMetrics().StaleDrop(context.Background())
}
