package observability

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	"github.com/yungbote/dflow/internal/platform/logger"
	"github.com/yungbote/dflow/internal/utils"
)

// OtelConfig names the service identity stamped on every span and
// metric. The exporter wiring itself comes from the standard OTEL_*
// environment variables (endpoint, headers, insecure, sampler ratio).
type OtelConfig struct {
	ServiceName string
	Environment string
	Version     string
}

// exporterConfig is the env-derived exporter wiring, parsed once.
type exporterConfig struct {
	enabled     bool
	endpoint    string
	insecure    bool
	headers     map[string]string
	sampleRatio float64
}

var (
	otelOnce     sync.Once
	otelShutdown func(context.Context) error
)

// InitOTel installs the global tracer and meter providers once per
// process and returns a shutdown func (nil when OTEL_ENABLED is off).
// Every failure degrades to a warning: tracing observes the engine, it
// is never a dependency of it.
func InitOTel(ctx context.Context, log *logger.Logger, cfg OtelConfig) func(context.Context) error {
	otelOnce.Do(func() {
		ec := exporterConfigFromEnv(log)
		if !ec.enabled {
			return
		}
		serviceName := strings.TrimSpace(cfg.ServiceName)
		if serviceName == "" {
			serviceName = "dflow"
		}

		res, err := resource.New(ctx, resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(strings.TrimSpace(cfg.Version)),
			attribute.String("deployment.environment", strings.TrimSpace(cfg.Environment)),
		))
		if err != nil && log != nil {
			log.Warn("otel resource init failed (continuing)", "error", err)
		}

		sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ec.sampleRatio))
		tpOpts := []sdktrace.TracerProviderOption{
			sdktrace.WithSampler(sampler),
			sdktrace.WithResource(res),
		}
		if exporter := ec.traceExporter(ctx, log); exporter != nil {
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
		}
		tp := sdktrace.NewTracerProvider(tpOpts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))

		// A reader-less MeterProvider still lets the Metrics instruments
		// record measurements; nothing drains them until an operator's
		// deployment attaches its own reader/exporter (no bundled
		// Prometheus exporter, see DESIGN.md).
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		otel.SetMeterProvider(mp)

		otelShutdown = func(shutdownCtx context.Context) error {
			tErr := tp.Shutdown(shutdownCtx)
			if mErr := mp.Shutdown(shutdownCtx); tErr == nil {
				tErr = mErr
			}
			return tErr
		}
		if log != nil {
			log.Info("otel initialized", "service", serviceName, "endpoint", ec.endpoint)
		}
	})
	return otelShutdown
}

func exporterConfigFromEnv(log *logger.Logger) exporterConfig {
	ec := exporterConfig{
		enabled:     utils.GetEnvAsBool("OTEL_ENABLED", false, log),
		endpoint:    strings.TrimSpace(utils.GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "", log)),
		insecure:    utils.GetEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", false, log),
		headers:     parseHeaders(utils.GetEnv("OTEL_EXPORTER_OTLP_HEADERS", "", log)),
		sampleRatio: 0.1,
	}
	if raw := strings.TrimSpace(utils.GetEnv("OTEL_SAMPLER_RATIO", "", log)); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			ec.sampleRatio = clampRatio(f)
		}
	}
	return ec
}

// traceExporter builds the OTLP/http exporter when an endpoint is
// configured, else a pretty-printed stdout exporter so a local run still
// shows its spans. A nil return means span export is disabled entirely.
func (ec exporterConfig) traceExporter(ctx context.Context, log *logger.Logger) sdktrace.SpanExporter {
	if ec.endpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ec.endpoint)}
		if ec.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(ec.headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(ec.headers))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			if log != nil {
				log.Warn("otlp exporter init failed, spans will not be exported", "error", err)
			}
			return nil
		}
		return exp
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil
	}
	if log != nil {
		log.Warn("otel using stdout exporter (no OTLP endpoint configured)")
	}
	return exp
}

func parseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	headers := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k != "" && v != "" {
			headers[k] = v
		}
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}

func clampRatio(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
