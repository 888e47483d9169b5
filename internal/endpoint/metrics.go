package endpoint

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultMetricPrefix names the meter and prefixes every instrument.
const DefaultMetricPrefix = "scout.endpoint"

const (
	outcomeSuccess   = "success"
	outcomeFailure   = "failure"
	outcomeTimeout   = "timeout"
	outcomeDropped   = "dropped"
	outcomeCancelled = "cancelled"
)

// Metrics records race attempts through the OpenTelemetry metric API. With
// no MeterProvider installed the global no-op provider swallows everything.
type Metrics struct {
	attempts    metric.Int64Counter
	blacklisted metric.Int64Counter
	responseMs  metric.Float64Histogram
}

// NewMetrics creates the instruments on the global MeterProvider.
func NewMetrics(prefix string) *Metrics {
	return NewMetricsWithProvider(otel.GetMeterProvider(), prefix)
}

// NewMetricsWithProvider creates the instruments on mp.
func NewMetricsWithProvider(mp metric.MeterProvider, prefix string) *Metrics {
	if prefix == "" {
		prefix = DefaultMetricPrefix
	}
	meter := mp.Meter(prefix)

	m := &Metrics{}
	// Instrument errors only occur for invalid names; the API hands back a
	// usable no-op instrument alongside them.
	m.attempts, _ = meter.Int64Counter(prefix+".attempts",
		metric.WithDescription("Race attempts by endpoint and outcome"))
	m.blacklisted, _ = meter.Int64Counter(prefix+".blacklisted",
		metric.WithDescription("Endpoints entering the blacklist"))
	m.responseMs, _ = meter.Float64Histogram(prefix+".response_ms",
		metric.WithDescription("Successful attempt response time"),
		metric.WithUnit("ms"))
	return m
}

func (m *Metrics) recordAttempt(ctx context.Context, address, outcome string, rt time.Duration) {
	if m == nil {
		return
	}
	opt := metric.WithAttributes(
		attribute.String("address", address),
		attribute.String("outcome", outcome),
	)
	m.attempts.Add(ctx, 1, opt)
	if outcome == outcomeSuccess {
		m.responseMs.Record(ctx, durMs(rt), metric.WithAttributes(attribute.String("address", address)))
	}
}

func (m *Metrics) recordBlacklisted(ctx context.Context, address string) {
	if m == nil {
		return
	}
	m.blacklisted.Add(ctx, 1, metric.WithAttributes(attribute.String("address", address)))
}

func durMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
