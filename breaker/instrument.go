package breaker

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/BaSui01/hivemind/breaker"

// instruments holds the OpenTelemetry tracer and counters of a Breaker.
// With the providers from internal/telemetry disabled they are no-ops.
type instruments struct {
	tracer    trace.Tracer
	calls     metric.Int64Counter
	fallbacks metric.Int64Counter
	trips     metric.Int64Counter
}

func newInstruments(tp trace.TracerProvider, mp metric.MeterProvider, logger *zap.Logger) *instruments {
	meter := mp.Meter(instrumentationName)
	inst := &instruments{tracer: tp.Tracer(instrumentationName)}

	var err error
	if inst.calls, err = meter.Int64Counter("breaker.call.total",
		metric.WithDescription("Model invocations made through the breaker"),
		metric.WithUnit("{call}")); err != nil {
		logger.Warn("breaker call counter unavailable", zap.Error(err))
		inst.calls = noop.Int64Counter{}
	}
	if inst.fallbacks, err = meter.Int64Counter("breaker.fallback.total",
		metric.WithDescription("Calls redirected to the fallback model"),
		metric.WithUnit("{fallback}")); err != nil {
		logger.Warn("breaker fallback counter unavailable", zap.Error(err))
		inst.fallbacks = noop.Int64Counter{}
	}
	if inst.trips, err = meter.Int64Counter("breaker.trip.total",
		metric.WithDescription("Circuits opened"),
		metric.WithUnit("{trip}")); err != nil {
		logger.Warn("breaker trip counter unavailable", zap.Error(err))
		inst.trips = noop.Int64Counter{}
	}
	return inst
}

func (i *instruments) call(ctx context.Context, model string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	i.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status)))
}

func (i *instruments) fallback(ctx context.Context, model, fallback string) {
	i.fallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("fallback", fallback)))
}

func (i *instruments) trip(ctx context.Context, model string) {
	i.trips.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
}
