package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Metrics holds the daemon-wide counters: commands forwarded, commands
// filtered, events suppressed, controller reconnects. The counters are
// recorded into an OTel manual reader; nothing in the daemon collects from
// that reader, so the counts are not written out anywhere.
type Metrics struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider

	commandsForwarded metric.Int64Counter
	commandsFiltered  metric.Int64Counter
	eventsSuppressed  metric.Int64Counter
	reconnects        metric.Int64Counter
}

// NewMetrics builds the meter/tracer providers and instruments. The meter
// provider always uses a manual reader. enabled additionally builds a
// tracer provider backed by the stdout trace exporter; counter values are
// not sent to that exporter.
func NewMetrics(ctx context.Context, enabled bool) (*Metrics, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	meter := mp.Meter("github.com/nabijaczleweli/onion-grater")

	var tp *sdktrace.TracerProvider
	if enabled {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: init stdout exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp, sdktrace.WithMaxExportBatchSize(64)),
			sdktrace.WithResource(res),
		)
	}

	m := &Metrics{meterProvider: mp, tracerProvider: tp}

	if m.commandsForwarded, err = meter.Int64Counter("onion_grater.commands.forwarded"); err != nil {
		return nil, err
	}
	if m.commandsFiltered, err = meter.Int64Counter("onion_grater.commands.filtered"); err != nil {
		return nil, err
	}
	if m.eventsSuppressed, err = meter.Int64Counter("onion_grater.events.suppressed"); err != nil {
		return nil, err
	}
	if m.reconnects, err = meter.Int64Counter("onion_grater.controller.reconnects"); err != nil {
		return nil, err
	}
	return m, nil
}

// CommandForwarded increments the forwarded-command counter.
func (m *Metrics) CommandForwarded(ctx context.Context) {
	if m == nil {
		return
	}
	m.commandsForwarded.Add(ctx, 1)
}

// CommandFiltered increments the filtered-command counter.
func (m *Metrics) CommandFiltered(ctx context.Context) {
	if m == nil {
		return
	}
	m.commandsFiltered.Add(ctx, 1)
}

// EventSuppressed increments the suppressed-event counter.
func (m *Metrics) EventSuppressed(ctx context.Context) {
	if m == nil {
		return
	}
	m.eventsSuppressed.Add(ctx, 1)
}

// Reconnect increments the controller-reconnect counter.
func (m *Metrics) Reconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}

// Shutdown flushes and stops the configured providers.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if err := m.meterProvider.Shutdown(ctx); err != nil {
		return err
	}
	if m.tracerProvider != nil {
		return m.tracerProvider.Shutdown(ctx)
	}
	return nil
}
