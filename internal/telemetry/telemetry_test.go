package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Sum[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Sum[int64])
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = sum
			}
		}
	}
	return out
}

func total(sum metricdata.Sum[int64]) int64 {
	var n int64
	for _, dp := range sum.DataPoints {
		n += dp.Value
	}
	return n
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.Event(ctx, "commit")
	m.Event(ctx, "commit")
	m.Event(ctx, "identity")
	m.Matched(ctx, 3)
	m.Matched(ctx, 0)
	m.Deleted(ctx, 2)
	m.DecodeError(ctx)
	m.Reconnect(ctx)

	sums := collect(t, reader)

	events := sums["feedgen.firehose.events"]
	require.Len(t, events.DataPoints, 2)
	for _, dp := range events.DataPoints {
		kind, _ := dp.Attributes.Value(attribute.Key("kind"))
		switch kind.AsString() {
		case "commit":
			assert.Equal(t, int64(2), dp.Value)
		case "identity":
			assert.Equal(t, int64(1), dp.Value)
		default:
			t.Errorf("unexpected kind %q", kind.AsString())
		}
	}

	assert.Equal(t, int64(3), total(sums["feedgen.posts.matched"]))
	assert.Equal(t, int64(2), total(sums["feedgen.posts.deleted"]))
	assert.Equal(t, int64(1), total(sums["feedgen.firehose.decode_errors"]))
	assert.Equal(t, int64(1), total(sums["feedgen.firehose.reconnects"]))
}

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "", false)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
