package refresh

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/fundwatch/errs"
	"github.com/coachpo/fundwatch/internal/telemetry"
)

type engineMetrics struct {
	requests        metric.Int64Counter
	outcomes        metric.Int64Counter
	attemptDuration metric.Float64Histogram
	retries         metric.Int64Counter
	bulkDuration    metric.Float64Histogram
}

func newEngineMetrics() *engineMetrics {
	meter := otel.Meter("refresh")
	m := new(engineMetrics)
	m.requests, _ = meter.Int64Counter(telemetry.MetricRequests,
		metric.WithDescription("Logical refresh requests issued"),
		metric.WithUnit("{request}"))
	m.outcomes, _ = meter.Int64Counter(telemetry.MetricOutcomes,
		metric.WithDescription("Settled transport attempts by outcome"),
		metric.WithUnit("{attempt}"))
	m.attemptDuration, _ = meter.Float64Histogram(telemetry.MetricAttemptDuration,
		metric.WithDescription("Latency of a single transport attempt"),
		metric.WithUnit("ms"))
	m.retries, _ = meter.Int64Counter(telemetry.MetricRetries,
		metric.WithDescription("Retries scheduled after a transient failure"),
		metric.WithUnit("{retry}"))
	m.bulkDuration, _ = meter.Float64Histogram(telemetry.MetricBulkDuration,
		metric.WithDescription("Duration of bulk refresh operations"),
		metric.WithUnit("ms"))
	return m
}

// observeRegistry exports the pending and orphan counts of r as gauges.
func observeRegistry(r *Registry) {
	meter := otel.Meter("refresh")
	pending, _ := meter.Int64ObservableGauge(telemetry.MetricPending,
		metric.WithDescription("Requests awaiting a callback"),
		metric.WithUnit("{request}"))
	orphans, _ := meter.Int64ObservableGauge(telemetry.MetricOrphans,
		metric.WithDescription("Deliveries retained without a pending request"),
		metric.WithUnit("{delivery}"))
	if pending == nil || orphans == nil {
		return
	}
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		env := metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment()))
		o.ObserveInt64(pending, int64(r.Len()), env)
		o.ObserveInt64(orphans, int64(r.orphans.Len()), env)
		return nil
	}, pending, orphans)
}

func (m *engineMetrics) recordRequests(ctx context.Context, trigger string, n int) {
	if m == nil || m.requests == nil || n == 0 {
		return
	}
	m.requests.Add(ctx, int64(n), metric.WithAttributes(
		telemetry.RequestAttributes(telemetry.Environment(), trigger)...))
}

func (m *engineMetrics) recordAttempt(ctx context.Context, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(errs.CodeOf(err))
	}
	attrs := metric.WithAttributes(telemetry.OutcomeAttributes(telemetry.Environment(), outcome)...)
	if m.outcomes != nil {
		m.outcomes.Add(context.WithoutCancel(ctx), 1, attrs)
	}
	if m.attemptDuration != nil {
		elapsed := float64(time.Since(start).Microseconds()) / 1000
		m.attemptDuration.Record(context.WithoutCancel(ctx), elapsed, attrs)
	}
}

func (m *engineMetrics) recordRetry(ctx context.Context, err error) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		telemetry.OutcomeAttributes(telemetry.Environment(), string(errs.CodeOf(err)))...))
}

func (m *engineMetrics) recordBulk(ctx context.Context, elapsed time.Duration, result string) {
	if m == nil || m.bulkDuration == nil {
		return
	}
	m.bulkDuration.Record(context.WithoutCancel(ctx), float64(elapsed.Milliseconds()), metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), "refresh.bulk", result)...))
}
