package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDefaultConfig(t *testing.T) {
	off := DefaultConfig("")
	assert.False(t, off.Enabled)
	assert.Equal(t, "physicsrail", off.ServiceName)

	on := DefaultConfig("collector:4317")
	assert.True(t, on.Enabled)
	assert.Equal(t, "collector:4317", on.OTLPEndpoint)
	assert.Equal(t, 1.0, on.SampleRate)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)

	// Should not fail even when disabled
	_, span := p.Tracer().Start(context.Background(), "noop")
	span.End()
	require.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewInstruments_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	in, err := NewInstruments(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	in.Verdicts.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String("denied"), AttrReason.String("guardrail_forbidden")))
	in.Verdicts.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String("approved"), AttrReason.String("")))
	in.TierGaps.Add(ctx, 1, metric.WithAttributes(AttrAction.String("post_message")))
	in.EvaluateDuration.Record(ctx, 0.002)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := map[string]bool{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		names[m.Name] = true
		if m.Name == "rail.verdicts" {
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			assert.Len(t, sum.DataPoints, 2)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key("rail.verdict.outcome"))
				assert.Contains(t, []string{"denied", "approved"}, v.AsString())
			}
		}
	}
	assert.True(t, names["rail.verdicts"])
	assert.True(t, names["rail.tier_gaps"])
	assert.True(t, names["rail.evaluate.duration"])
}

func TestNewInstruments_NilMeter(t *testing.T) {
	in, err := NewInstruments(nil)
	require.NoError(t, err)
	in.Verdicts.Add(context.Background(), 1)
}
