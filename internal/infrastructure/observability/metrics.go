package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	RequestCount    metric.Int64Counter
	RequestDuration metric.Float64Histogram

	NotesProcessed    metric.Int64Counter
	NotesFailed       metric.Int64Counter
	NotesSkipped      metric.Int64Counter
	StageDuration     metric.Float64Histogram
	CacheHitCount     metric.Int64Counter
	CacheMissCount    metric.Int64Counter
	RateLimitDenied   metric.Int64Counter
	BreakerRejections metric.Int64Counter
	LocksReclaimed    metric.Int64Counter
}

// InitMetrics initializes application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}

	var err error
	if m.RequestCount, err = meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Number of HTTP requests"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.NotesProcessed, err = meter.Int64Counter(
		"notes.processed",
		metric.WithDescription("Notes processed successfully"),
	); err != nil {
		return nil, err
	}
	if m.NotesFailed, err = meter.Int64Counter(
		"notes.failed",
		metric.WithDescription("Notes that ended with an error"),
	); err != nil {
		return nil, err
	}
	if m.NotesSkipped, err = meter.Int64Counter(
		"notes.skipped",
		metric.WithDescription("Notes skipped because another worker held the lock"),
	); err != nil {
		return nil, err
	}
	if m.StageDuration, err = meter.Float64Histogram(
		"notes.stage.duration",
		metric.WithDescription("Pipeline stage duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.CacheHitCount, err = meter.Int64Counter(
		"analysis.cache.hit.count",
		metric.WithDescription("Number of analysis cache hits"),
	); err != nil {
		return nil, err
	}
	if m.CacheMissCount, err = meter.Int64Counter(
		"analysis.cache.miss.count",
		metric.WithDescription("Number of analysis cache misses"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitDenied, err = meter.Int64Counter(
		"ratelimit.denied",
		metric.WithDescription("Admissions denied by the rate limiter"),
	); err != nil {
		return nil, err
	}
	if m.BreakerRejections, err = meter.Int64Counter(
		"circuitbreaker.rejections",
		metric.WithDescription("Calls rejected by an open circuit breaker"),
	); err != nil {
		return nil, err
	}
	if m.LocksReclaimed, err = meter.Int64Counter(
		"notes.locks.reclaimed",
		metric.WithDescription("Expired processing locks cleared by the sweeper"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRequestMetric records an HTTP request
func (m *Metrics) RecordRequestMetric(ctx context.Context, method, route string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", statusCode),
	)
	m.RequestCount.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordNoteOutcome counts a finished note. outcome is processed, failed or skipped.
func (m *Metrics) RecordNoteOutcome(ctx context.Context, outcome, category string) {
	if m == nil {
		return
	}
	switch outcome {
	case "processed":
		m.NotesProcessed.Add(ctx, 1)
	case "skipped":
		m.NotesSkipped.Add(ctx, 1)
	default:
		m.NotesFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("error.category", category)))
	}
}

// RecordStage records how long a pipeline stage took.
func (m *Metrics) RecordStage(ctx context.Context, stage string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.StageDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.Bool("error", err != nil),
	))
}

// RecordCacheLookup records an analysis cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool, tier string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tier", tier))
	if hit {
		m.CacheHitCount.Add(ctx, 1, attrs)
		return
	}
	m.CacheMissCount.Add(ctx, 1, attrs)
}

// RecordRateLimitDenied records a denied admission for service.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, service string) {
	if m == nil {
		return
	}
	m.RateLimitDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("service", service)))
}

// RecordBreakerRejection records a call short-circuited by an open breaker.
func (m *Metrics) RecordBreakerRejection(ctx context.Context, breaker string) {
	if m == nil {
		return
	}
	m.BreakerRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("breaker", breaker)))
}

// RecordLocksReclaimed records locks cleared by a sweep.
func (m *Metrics) RecordLocksReclaimed(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.LocksReclaimed.Add(ctx, n)
}
