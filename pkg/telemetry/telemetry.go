// Package telemetry wires OpenTelemetry tracing for the gate and router.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
)

const DefaultServiceName = "nexus"

// Config mirrors the standard OTEL_* variables. An empty Endpoint keeps
// spans in process (useful for log correlation only).
type Config struct {
	ServiceName string
	Endpoint    string
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	// Required turns exporter start-up failures into errors instead of a
	// local-only tracer.
	Required bool
	Sampler  sdktrace.Sampler
}

// ConfigFromEnv reads the exporter settings. OTEL_SERVICE_NAME, when set,
// overrides serviceName.
func ConfigFromEnv(serviceName string) Config {
	if name := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); name != "" {
		serviceName = name
	}
	timeout := 5
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC"))); err == nil && n > 0 {
		timeout = n
	}
	return Config{
		ServiceName: serviceName,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:     parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:     time.Duration(timeout) * time.Second,
		Insecure:    strings.EqualFold(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"), "true"),
		Required:    strings.EqualFold(os.Getenv("OTEL_REQUIRED"), "true"),
		Sampler:     parseSampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG")),
	}
}

// Init configures global tracing from the environment and returns the
// provider's shutdown.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	return InitWithConfig(ctx, ConfigFromEnv(serviceName))
}

func InitWithConfig(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(serviceResource(cfg.ServiceName)),
		sdktrace.WithSampler(cfg.sampler()),
	}
	if cfg.Endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, cfg.exporterOptions()...)
		switch {
		case err == nil:
			opts = append(opts, sdktrace.WithBatcher(exporter))
		case cfg.Required:
			return nil, fmt.Errorf("otlp exporter %s: %w", cfg.Endpoint, err)
		default:
			slog.Warn("otel exporter disabled", "endpoint", cfg.Endpoint, "err", err)
		}
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

func (cfg Config) sampler() sdktrace.Sampler {
	if cfg.Sampler != nil {
		return cfg.Sampler
	}
	return sdktrace.ParentBased(sdktrace.AlwaysSample())
}

func (cfg Config) exporterOptions() []otlptracehttp.Option {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(cfg.Timeout))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return opts
}

func serviceResource(name string) *resource.Resource {
	if name = strings.TrimSpace(name); name == "" {
		name = DefaultServiceName
	}
	own := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(name))
	merged, err := resource.Merge(resource.Default(), own)
	if err != nil {
		// Schema URL conflict with the SDK default; keep our attributes.
		return own
	}
	return merged
}

// parseSampler maps OTEL_TRACES_SAMPLER names. Unknown names fall back to a
// parent based ratio sampler; the ratio is clamped to [0, 1].
func parseSampler(name, arg string) sdktrace.Sampler {
	ratio := 1.0
	if v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(v, 0), 1)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio)
	case "parentbased_always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	if serviceName = strings.TrimSpace(serviceName); serviceName == "" {
		serviceName = DefaultServiceName
	}
	return otelhttp.NewMiddleware(serviceName)
}

// InstrumentClient wraps the client's transport so outbound embedding calls
// join the request trace. A nil client gets a fresh one with a 5s timeout.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

// parseHeaders reads "k1=v1,k2=v2"; malformed pairs are skipped.
func parseHeaders(raw string) map[string]string {
	var out map[string]string
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if k = strings.TrimSpace(k); !ok || k == "" {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
