package stats

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/coldbell/pricecaster/relayer/internal/config"
)

// NewMeterProvider builds the SDK meter provider and installs it as the global
// one, so New(nil) registers on it. When cfg is enabled a periodic reader
// exports to the OTLP gRPC endpoint; extra readers are attached as given.
func NewMeterProvider(ctx context.Context, cfg config.MetricsConfig, readers ...sdkmetric.Reader) (*sdkmetric.MeterProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		// schemaless, so it merges with whatever schema the SDK default carries
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("pricecaster.component", "relayer"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Enabled() {
		exporterOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.ExportInterval),
		)))
	}
	for _, reader := range readers {
		opts = append(opts, sdkmetric.WithReader(reader))
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)
	return provider, nil
}
