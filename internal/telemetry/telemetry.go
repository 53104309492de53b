// Package telemetry exposes ingest counters through OpenTelemetry and wires an
// OTLP exporter when one is configured.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/blackmichael/eueoeo-feed"

// Metrics holds the ingest counters.
type Metrics struct {
	events       metric.Int64Counter
	matched      metric.Int64Counter
	deleted      metric.Int64Counter
	decodeErrors metric.Int64Counter
	reconnects   metric.Int64Counter
}

// NewMetrics creates the counters on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.events, err = meter.Int64Counter("feedgen.firehose.events",
		metric.WithDescription("Firehose events received"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.matched, err = meter.Int64Counter("feedgen.posts.matched",
		metric.WithDescription("Posts that passed the matcher"),
		metric.WithUnit("{post}"),
	); err != nil {
		return nil, err
	}
	if m.deleted, err = meter.Int64Counter("feedgen.posts.deleted",
		metric.WithDescription("Post deletes applied"),
		metric.WithUnit("{post}"),
	); err != nil {
		return nil, err
	}
	if m.decodeErrors, err = meter.Int64Counter("feedgen.firehose.decode_errors",
		metric.WithDescription("Frames skipped because they could not be decoded"),
		metric.WithUnit("{frame}"),
	); err != nil {
		return nil, err
	}
	if m.reconnects, err = meter.Int64Counter("feedgen.firehose.reconnects",
		metric.WithDescription("Firehose sessions that ended and were retried"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

// Default returns counters on the global meter provider. Without a configured
// provider they are no-ops.
func Default() *Metrics {
	m, err := NewMetrics(otel.Meter(meterName))
	if err != nil {
		panic("telemetry: create metrics: " + err.Error())
	}
	return m
}

func (m *Metrics) Event(ctx context.Context, kind string) {
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) Matched(ctx context.Context, n int) {
	if n > 0 {
		m.matched.Add(ctx, int64(n))
	}
}

func (m *Metrics) Deleted(ctx context.Context, n int) {
	if n > 0 {
		m.deleted.Add(ctx, int64(n))
	}
}

func (m *Metrics) DecodeError(ctx context.Context) {
	m.decodeErrors.Add(ctx, 1)
}

func (m *Metrics) Reconnect(ctx context.Context) {
	m.reconnects.Add(ctx, 1)
}

// Setup installs a global meter provider exporting to endpoint over OTLP gRPC.
// An empty endpoint leaves the no-op provider in place. The returned function
// flushes and stops the provider.
func Setup(ctx context.Context, endpoint string, insecure bool) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}
