package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Provider holds the OTel SDK meter provider. When no endpoint is
// configured the field is nil and Shutdown is a no-op.
type Provider struct {
	mp *sdkmetric.MeterProvider
}

// Init sets up the OTLP gRPC metric exporter and registers the global
// meter provider. An empty endpoint returns a noop Provider without
// connecting anywhere.
func Init(ctx context.Context, endpoint, serviceName string, logger *slog.Logger) (*Provider, error) {
	if endpoint == "" {
		logger.Info("telemetry disabled, metrics are noop")
		return &Provider{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logger.Info("telemetry initialized", "endpoint", endpoint, "service", serviceName)
	return &Provider{mp: mp}, nil
}

// Shutdown flushes pending metrics and closes the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.mp == nil {
		return nil
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}
