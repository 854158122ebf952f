package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	activityScopeName = "github.com/oculairmedia/huly-vibe-sync-sub009/workflow"
	apiScopeName      = "github.com/oculairmedia/huly-vibe-sync-sub009/api"
)

// WithSpan runs fn inside a span named name, recording the error on the span.
func WithSpan(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := Tracer(activityScopeName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// APIObserver returns an upstream request observer that records OTel request
// metrics and chains to next. When telemetry is disabled, next is returned
// unchanged (zero overhead path).
func APIObserver(next func(op string, d time.Duration, err error)) func(string, time.Duration, error) {
	if !Enabled() {
		return next
	}
	m := Meter(apiScopeName)
	ops, _ := m.Int64Counter("hvsync.api.requests",
		metric.WithDescription("Total upstream API requests"),
	)
	dur, _ := m.Float64Histogram("hvsync.api.request.duration",
		metric.WithDescription("Upstream API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("hvsync.api.errors",
		metric.WithDescription("Total upstream API request errors"),
	)
	return func(op string, d time.Duration, err error) {
		ctx := context.Background()
		attrs := metric.WithAttributes(attribute.String("api.operation", op))
		ops.Add(ctx, 1, attrs)
		dur.Record(ctx, float64(d.Milliseconds()), attrs)
		if err != nil {
			errs.Add(ctx, 1, attrs)
		}
		if next != nil {
			next(op, d, err)
		}
	}
}
