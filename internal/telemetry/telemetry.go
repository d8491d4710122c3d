package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mohammad-safakhou/selfheal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

// Telemetry owns the tracer provider and the optional metrics listener.
type Telemetry struct {
	tp      *sdktrace.TracerProvider
	metrics *http.Server
}

// Setup initializes tracing when enabled and serves m on
// cfg.MetricsPort when it is set. With tracing disabled the global no-op
// tracer stays in place, so spans cost nothing.
func Setup(ctx context.Context, cfg config.TelemetryConfig, version string, m *Metrics, logger *zap.Logger) (*Telemetry, error) {
	logger = OrNop(logger)
	t := &Telemetry{}

	if cfg.Enabled {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(version),
				attribute.String("service.namespace", "selfheal"),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("resource init: %w", err)
		}
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp init: %w", err)
		}
		t.tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(t.tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		logger.Info("tracing enabled", zap.String("endpoint", endpoint))
	}

	if cfg.MetricsPort > 0 && m != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		t.metrics = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := t.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}
	return t, nil
}

// Shutdown flushes spans and stops the metrics listener.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var err error
	if t.tp != nil {
		if e := t.tp.Shutdown(ctx); e != nil {
			err = fmt.Errorf("trace shutdown: %w", e)
		}
	}
	if t.metrics != nil {
		if e := t.metrics.Shutdown(ctx); e != nil {
			if err != nil {
				err = fmt.Errorf("%v; metrics shutdown: %w", err, e)
			} else {
				err = fmt.Errorf("metrics shutdown: %w", e)
			}
		}
	}
	return err
}
