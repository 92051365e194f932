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

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	m, err := NewMetrics(Meter())
	require.NoError(t, err)
	m.CommentProcessed(context.Background(), "created")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.CommentProcessed(ctx, "created")
	m.Transition(ctx, "nudged")
	m.JobFinished(ctx, "nudge_check", "ok", time.Second)
	m.DegradedCheck(ctx, "commits")
	m.Notified(ctx, "email", false)
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.Transition(ctx, "released")
	m.Transition(ctx, "released")
	m.DegradedCheck(ctx, "prs")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[md.Name] += dp.Value
				}
			}
		}
	}
	assert.EqualValues(t, 2, totals["claimwatch.claims.transitions"])
	assert.EqualValues(t, 1, totals["claimwatch.progress.degraded"])
}
