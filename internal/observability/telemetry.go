package observability

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

var siteInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "treedoc",
	Name:      "site_info",
	Help:      "Constant 1, labelled with the replica's service and site id.",
}, []string{"service", "site"})

func init() {
	prometheus.MustRegister(siteInfo, collectors.NewBuildInfoCollector())
}

// Config selects the telemetry outputs. Empty addresses disable them.
type Config struct {
	ServiceName  string
	SiteID       string
	MetricsAddr  string
	OTLPEndpoint string
}

// Telemetry owns the tracer provider and the metrics listener.
type Telemetry struct {
	tracer  *sdktrace.TracerProvider
	metrics *http.Server
}

// Start installs the global tracer provider when an OTLP endpoint is set and
// serves /metrics when a metrics address is set.
func Start(ctx context.Context, cfg Config, logger zerolog.Logger) (*Telemetry, error) {
	siteInfo.WithLabelValues(cfg.ServiceName, cfg.SiteID).Set(1)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	t := &Telemetry{}
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		t.tracer = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(cfg.ServiceName),
				attribute.String("service.instance.id", cfg.SiteID),
			)),
		)
		otel.SetTracerProvider(t.tracer)
		logger.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("otlp tracing enabled")
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", MetricsHandler())
		t.metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := t.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server started")
	}
	return t, nil
}

// MetricsHandler exposes the default Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Shutdown stops the metrics listener and flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.metrics != nil {
		errs = append(errs, t.metrics.Shutdown(ctx))
	}
	if t.tracer != nil {
		errs = append(errs, t.tracer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
