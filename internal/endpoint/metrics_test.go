package endpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/shhac/scout/internal/domain"
	"github.com/shhac/scout/internal/logging"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func counterValue(t *testing.T, m metricdata.Metrics, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)

	want := attribute.NewSet(attrs...)
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&want) {
			return dp.Value
		}
	}
	return 0
}

func TestMetrics_RaceOutcomes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	m := NewManager(logging.NewNopLogger(), WithMetrics(NewMetricsWithProvider(mp, "")))

	op := func(_ context.Context, e domain.Endpoint) (domain.InvocationResult, error) {
		if e.Address == "bad:1" {
			return domain.InvocationResult{}, errors.New("refused")
		}
		return domain.InvocationResult{ResponseTimeMs: 12}, nil
	}
	opts := DefaultRaceOptions()
	opts.WaitForAll = true
	_, err := m.Race(context.Background(), []domain.Endpoint{{Address: "good:1"}, {Address: "bad:1"}}, op, opts)
	require.NoError(t, err)

	for i := 0; i < BlacklistThreshold; i++ {
		m.RecordFailure("worse:1", false)
	}

	metrics := collect(t, reader)

	attempts := metrics["scout.endpoint.attempts"]
	assert.Equal(t, int64(1), counterValue(t, attempts,
		attribute.String("address", "good:1"), attribute.String("outcome", "success")))
	assert.Equal(t, int64(1), counterValue(t, attempts,
		attribute.String("address", "bad:1"), attribute.String("outcome", "failure")))

	assert.Equal(t, int64(1), counterValue(t, metrics["scout.endpoint.blacklisted"],
		attribute.String("address", "worse:1")))

	hist, ok := metrics["scout.endpoint.response_ms"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.InDelta(t, 12.0, hist.DataPoints[0].Sum, 1e-9)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.recordAttempt(context.Background(), "a:1", outcomeSuccess, time.Millisecond)
		m.recordBlacklisted(context.Background(), "a:1")
	})
}
