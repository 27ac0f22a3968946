package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// telemetry owns the providers installed for one runtime.
type telemetry struct {
	tracer   *sdktrace.TracerProvider
	meter    *sdkmetric.MeterProvider
	registry *prometheus.Registry
}

// dictationLabels lists the attribute keys each dictation instrument may
// carry. Anything else (session ids, error text) is dropped before export.
var dictationLabels = map[string][]attribute.Key{
	"loqa.dictation.frames.sent":    nil,
	"loqa.dictation.frames.dropped": {"reason"},
	"loqa.dictation.sessions":       {"outcome"},
	"loqa.dictation.events":         {"kind"},
	"loqa.dictation.recording":      nil,
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := dictationResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	t := &telemetry{}
	if t.tracer, err = initTracer(ctx, cfg, res, logger); err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(t.tracer)

	handler := t.initMetrics(res, logger)
	otel.SetMeterProvider(t.meter)
	if handler != nil {
		logger.Info("metrics initialized",
			slog.String("exporter", "prometheus"),
			slog.Int("instruments", len(dictationLabels)))
	}
	return t.shutdown, handler, nil
}

func (t *telemetry) shutdown(ctx context.Context) error {
	return errors.Join(t.meter.Shutdown(ctx), t.tracer.Shutdown(ctx))
}

// dictationResource describes the process and the audio path it serves, so
// a dashboard can tell a file replay from a live microphone.
func dictationResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		semconv.ServiceVersion(Version),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("dictation.capture.device", cfg.Capture.Device),
		attribute.Int("dictation.capture.sample_rate", cfg.Capture.SampleRate),
		attribute.Int("dictation.capture.frame_ms", cfg.Capture.FrameDurationMS),
		attribute.String("dictation.recognition.host", endpointHost(cfg.Recognition.Endpoint)),
	}
	if cfg.Recognition.Model != "" {
		attrs = append(attrs, attribute.String("dictation.recognition.model", cfg.Recognition.Model))
	}
	if cfg.Recognition.Language != "" {
		attrs = append(attrs, attribute.String("dictation.recognition.language", cfg.Recognition.Language))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func endpointHost(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func initTracer(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		otlp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		exporter = otlp
		logger.Info("telemetry initialized", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
	} else {
		// stdout carries the JSON logs.
		stdout, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, err
		}
		exporter = stdout
		logger.Info("telemetry initialized", slog.String("exporter", "stderr"))
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// initMetrics builds the meter provider. Metrics go to a private registry
// so a second runtime in the same process does not collide with the first.
func (t *telemetry) initMetrics(res *resource.Resource, logger *slog.Logger) http.Handler {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, view := range dictationViews() {
		opts = append(opts, sdkmetric.WithView(view))
	}

	t.registry = prometheus.NewRegistry()
	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := otelprom.New(otelprom.WithRegisterer(t.registry))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		t.meter = sdkmetric.NewMeterProvider(opts...)
		return nil
	}
	t.meter = sdkmetric.NewMeterProvider(append(opts, sdkmetric.WithReader(exporter))...)
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func dictationViews() []sdkmetric.View {
	views := make([]sdkmetric.View, 0, len(dictationLabels))
	for name, keys := range dictationLabels {
		views = append(views, sdkmetric.NewView(
			sdkmetric.Instrument{Name: name},
			sdkmetric.Stream{AttributeFilter: attribute.NewAllowKeysFilter(keys...)},
		))
	}
	return views
}
