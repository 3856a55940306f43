// Package tracing настраивает OpenTelemetry: провайдер трейсов с OTLP/HTTP экспортом
// и W3C-пропагацию контекста, которую используют HTTP-клиент и Kafka-заголовки.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	defaultExportTimeout = 10 * time.Second
	defaultMaxQueueSize  = 2048
)

// Config задаёт параметры трассировки.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint задаёт host:port OTLP/HTTP коллектора. Пустой выключает экспорт.
	Endpoint string
	URLPath  string
	Insecure bool
	// SampleRatio задаёт долю корневых трейсов, 0 означает 1.0.
	SampleRatio float64
}

// ShutdownFunc сбрасывает буферы и останавливает провайдер.
type ShutdownFunc func(context.Context) error

// Setup регистрирует глобальный propagator и, если задан Endpoint, провайдер трейсов.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(NewPropagator())

	if cfg.Endpoint == "" {
		log.WithField("service", cfg.ServiceName).Info("otlp endpoint is not set, trace export disabled")
		return func(context.Context) error { return nil }, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(cfg.URLPath))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio(cfg.SampleRatio)))),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithExportTimeout(defaultExportTimeout),
			sdktrace.WithMaxQueueSize(defaultMaxQueueSize),
		),
	)
	otel.SetTracerProvider(provider)

	log.WithFields(log.Fields{
		"service":  cfg.ServiceName,
		"endpoint": cfg.Endpoint,
	}).Info("trace export enabled")

	return func(ctx context.Context) error {
		return errors.Join(provider.ForceFlush(ctx), provider.Shutdown(ctx))
	}, nil
}

// NewPropagator возвращает W3C TraceContext + Baggage.
func NewPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

func sampleRatio(ratio float64) float64 {
	if ratio <= 0 || ratio > 1 {
		return 1
	}
	return ratio
}
