// Package telemetry exposes the OpenTelemetry instruments recorded by the
// executor, the policy enforcer and the orchestrator.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "dracanus/internal/telemetry"

// Metrics is safe to use as a nil pointer; every method becomes a no-op.
type Metrics struct {
	meter           metric.Meter
	logger          *zap.Logger
	completions     metric.Int64Counter
	completionDur   metric.Float64Histogram
	backendFailures metric.Int64Counter
	completionCost  metric.Float64Counter
	verdicts        metric.Int64Counter
	goals           metric.Int64Counter
	insights        metric.Int64Counter
}

// New registers the instruments on meter, or on the global provider when
// meter is nil.
func New(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{meter: meter, logger: logger}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error
	m.completions, err = m.meter.Int64Counter(
		"dracanus.executor.completions_total",
		metric.WithDescription("Task executions by backend and outcome."),
		metric.WithUnit("{execution}"),
	)
	m.warn("completions counter", err)

	m.completionDur, err = m.meter.Float64Histogram(
		"dracanus.executor.duration_ms",
		metric.WithDescription("Wall time of a task execution including fallback."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000),
	)
	m.warn("duration histogram", err)

	m.backendFailures, err = m.meter.Int64Counter(
		"dracanus.executor.backend_failures_total",
		metric.WithDescription("Completion backend calls that failed and triggered fallback."),
		metric.WithUnit("{failure}"),
	)
	m.warn("backend failure counter", err)

	m.completionCost, err = m.meter.Float64Counter(
		"dracanus.executor.cost_usd_total",
		metric.WithDescription("Metered spend on completion backends."),
		metric.WithUnit("USD"),
	)
	m.warn("cost counter", err)

	m.verdicts, err = m.meter.Int64Counter(
		"dracanus.policy.verdicts_total",
		metric.WithDescription("Policy enforcer verdicts by outcome and policy type."),
		metric.WithUnit("{verdict}"),
	)
	m.warn("verdict counter", err)

	m.goals, err = m.meter.Int64Counter(
		"dracanus.orchestrator.goals_total",
		metric.WithDescription("Finished goals by final status."),
		metric.WithUnit("{goal}"),
	)
	m.warn("goal counter", err)

	m.insights, err = m.meter.Int64Counter(
		"dracanus.learning.insights_total",
		metric.WithDescription("Learnings persisted by type."),
		metric.WithUnit("{insight}"),
	)
	m.warn("insight counter", err)
}

func (m *Metrics) warn(what string, err error) {
	if err != nil {
		m.logger.Warn("failed to create "+what, zap.Error(err))
	}
}

// RecordExecution records one finished task execution.
func (m *Metrics) RecordExecution(ctx context.Context, backend string, success bool, durationMs int64, cost float64) {
	if m == nil || m.completions == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.Bool("success", success),
	)
	m.completions.Add(ctx, 1, attrs)
	m.completionDur.Record(ctx, float64(durationMs), attrs)
	if cost > 0 {
		m.completionCost.Add(ctx, cost, metric.WithAttributes(attribute.String("backend", backend)))
	}
}

func (m *Metrics) RecordBackendFailure(ctx context.Context, backend string) {
	if m == nil || m.backendFailures == nil {
		return
	}
	m.backendFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}

// RecordVerdict counts an enforcement outcome. policyType is empty when no
// policy matched.
func (m *Metrics) RecordVerdict(ctx context.Context, outcome, policyType string) {
	if m == nil || m.verdicts == nil {
		return
	}
	m.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("policy_type", policyType),
	))
}

func (m *Metrics) RecordGoal(ctx context.Context, status string, jobs int) {
	if m == nil || m.goals == nil {
		return
	}
	m.goals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.Int("jobs", jobs),
	))
}

func (m *Metrics) RecordInsights(ctx context.Context, learningType string, n int) {
	if m == nil || m.insights == nil || n == 0 {
		return
	}
	m.insights.Add(ctx, int64(n), metric.WithAttributes(attribute.String("type", learningType)))
}
