// Package telemetry wires OpenTelemetry tracing and metrics.
//
// Telemetry is off unless enabled in config. When off, no-op providers are
// installed and every instrument below is free to call.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationScope = "claimwatch"

type Config struct {
	Enabled      bool          `yaml:"enabled"`
	Stdout       bool          `yaml:"stdout"`
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
	Interval     time.Duration `yaml:"interval"`
	ServiceName  string        `yaml:"service_name"`
}

// Init installs global providers and returns a shutdown func that flushes them.
func Init(ctx context.Context, cfg Config, version string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return func(context.Context) error { return nil }, nil
	}
	name := cfg.ServiceName
	if name == "" {
		name = "claimwatch"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	tp, err := buildTraceProvider(res)
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace provider: %w", err)
	}
	otel.SetTracerProvider(tp)

	mp, err := buildMetricProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("telemetry: metric provider: %w", err)
	}
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func buildTraceProvider(res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exp),
	), nil
}

func buildMetricProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Stdout || cfg.OTLPEndpoint == "" {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
	}
	if cfg.OTLPEndpoint != "" {
		exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationScope)
}

func Meter() metric.Meter {
	return otel.Meter(instrumentationScope)
}

// Metrics holds the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	claims      metric.Int64Counter
	transitions metric.Int64Counter
	jobs        metric.Int64Counter
	jobLatency  metric.Float64Histogram
	degraded    metric.Int64Counter
	notify      metric.Int64Counter
}

func NewMetrics(m metric.Meter) (*Metrics, error) {
	var err error
	out := &Metrics{}
	if out.claims, err = m.Int64Counter("claimwatch.comments.processed", metric.WithDescription("Comment events by outcome")); err != nil {
		return nil, err
	}
	if out.transitions, err = m.Int64Counter("claimwatch.claims.transitions", metric.WithDescription("Claim lifecycle transitions by target state")); err != nil {
		return nil, err
	}
	if out.jobs, err = m.Int64Counter("claimwatch.jobs.finished", metric.WithDescription("Jobs by kind and result")); err != nil {
		return nil, err
	}
	if out.jobLatency, err = m.Float64Histogram("claimwatch.jobs.duration", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if out.degraded, err = m.Int64Counter("claimwatch.progress.degraded", metric.WithDescription("Progress checks with a failed source")); err != nil {
		return nil, err
	}
	if out.notify, err = m.Int64Counter("claimwatch.notifications", metric.WithDescription("Notification attempts by channel and result")); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Metrics) CommentProcessed(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) Transition(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *Metrics) JobFinished(ctx context.Context, kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("result", result))
	m.jobs.Add(ctx, 1, attrs)
	m.jobLatency.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) DegradedCheck(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.degraded.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) Notified(ctx context.Context, channel string, ok bool) {
	if m == nil {
		return
	}
	m.notify.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel), attribute.Bool("ok", ok)))
}
