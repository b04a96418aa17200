package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// counterTotals sums every data point of each Int64 counter by name.
func counterTotals(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out
}

func TestInstruments_UseInjectedProviders(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	models := newScriptedModels()
	models.setFailing("pro", errors.New("down"))
	b := New(models.call, Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		FallbackModel:    "flash",
	}, WithClock(newFakeClock().Now), WithTracerProvider(tp), WithMeterProvider(mp))

	ctx := context.Background()
	_, err := b.CallModel(ctx, "pro") // fails, trips, falls back
	require.NoError(t, err)
	_, err = b.CallModel(ctx, "pro") // open: straight to the fallback
	require.NoError(t, err)

	totals := counterTotals(t, reader)
	// pro once, then flash for each redirected call
	assert.EqualValues(t, 3, totals["breaker.call.total"])
	assert.EqualValues(t, 2, totals["breaker.fallback.total"])
	assert.EqualValues(t, 1, totals["breaker.trip.total"])

	ended := spans.Ended()
	require.Len(t, ended, 3)
	for _, s := range ended {
		assert.Equal(t, "breaker.call_model", s.Name())
	}
}
