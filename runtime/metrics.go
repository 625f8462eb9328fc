package runtime

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// stepMetrics holds the instruments recorded for every finished step.
type stepMetrics struct {
	steps    metric.Int64Counter
	duration metric.Float64Histogram
}

func newStepMetrics(meter metric.Meter, l *slog.Logger) *stepMetrics {
	m := &stepMetrics{}
	var err error
	m.steps, err = meter.Int64Counter(
		"steprunner.steps",
		metric.WithDescription("Number of finished steps"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		l.Warn("Failed to create step counter", "error", err)
	}
	m.duration, err = meter.Float64Histogram(
		"steprunner.step.duration",
		metric.WithDescription("Step run time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		l.Warn("Failed to create step duration histogram", "error", err)
	}
	return m
}

func (m *stepMetrics) record(ctx context.Context, step StepDefinition, outcome Status, depth int, started time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("step.kind", string(step.Body.Kind())),
		attribute.String("step.outcome", string(outcome)),
		attribute.Bool("step.nested", depth > 0),
	)
	if m.steps != nil {
		m.steps.Add(ctx, 1, attrs)
	}
	if m.duration != nil && !started.IsZero() {
		m.duration.Record(ctx, time.Since(started).Seconds(), attrs)
	}
}
