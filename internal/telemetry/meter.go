package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"regulatory-rag/internal/config"
)

const exportInterval = 15 * time.Second

// InitMeterProvider installs an OTLP/gRPC meter provider that pushes every
// exportInterval. With telemetry disabled the global no-op provider stays.
func InitMeterProvider(ctx context.Context, cfg *config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
	if cfg.Endpoint != "" {
		opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.Endpoint))
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	log.Info().Str("service", cfg.ServiceName).Str("endpoint", cfg.Endpoint).Msg("OpenTelemetry meter provider initialized")
	return mp.Shutdown, nil
}
