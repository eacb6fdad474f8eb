// Package observer provides OTEL-based observability for the engram
// pipeline and its LLM operations.
//
// It wraps Provider and EmbeddingProvider with instrumented versions that
// emit traces, metrics, and logs via OpenTelemetry, and implements the
// pipeline's MetricsSink. Users export to any OTEL-compatible backend by
// setting standard OTEL env vars or the [observer] config section.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/engram/observer"

// Options configures Init. Zero value works: the service name defaults to
// "engram" and exporter endpoints come from standard OTEL env vars.
type Options struct {
	// ServiceName overrides the OTEL service.name resource attribute.
	ServiceName string
	// Endpoint overrides the OTLP HTTP endpoint URL for all three signals.
	// Empty means standard OTEL env var configuration.
	Endpoint string
	// Pricing extends or overrides DefaultPricing for cost metrics.
	Pricing map[string]ModelPricing
}

// Instruments holds all OTEL instruments used by the observer wrappers and
// the metrics sink. A nil *Instruments disables instrumentation wherever it
// is accepted.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	PipelineRequests metric.Int64Counter
	TokenUsage       metric.Int64Counter
	LLMRequests      metric.Int64Counter
	EmbedRequests    metric.Int64Counter
	EmbedCache       metric.Int64Counter
	MemoryOps        metric.Int64Counter
	RateWaits        metric.Int64Counter
	CostTotal        metric.Float64Counter

	// Histograms
	PipelineLatency metric.Float64Histogram
	LLMDuration     metric.Float64Histogram
	EmbedDuration   metric.Float64Histogram

	Cost *CostCalculator
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Returns a shutdown function that must be called on
// application exit.
func Init(ctx context.Context, opts Options) (*Instruments, func(context.Context) error, error) {
	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "engram"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	var traceOpts []otlptracehttp.Option
	var metricOpts []otlpmetrichttp.Option
	var logOpts []otlploghttp.Option
	if opts.Endpoint != "" {
		traceOpts = append(traceOpts, otlptracehttp.WithEndpointURL(opts.Endpoint))
		metricOpts = append(metricOpts, otlpmetrichttp.WithEndpointURL(opts.Endpoint))
		logOpts = append(logOpts, otlploghttp.WithEndpointURL(opts.Endpoint))
	}

	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments(opts.Pricing)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	pipelineRequests, err := meter.Int64Counter("pipeline.requests",
		metric.WithDescription("Messages handled by the pipeline"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}

	tokenUsage, err := meter.Int64Counter("llm.tokens",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	llmRequests, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("LLM request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	embedRequests, err := meter.Int64Counter("embedding.requests",
		metric.WithDescription("Embedding request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	embedCache, err := meter.Int64Counter("embedding.cache",
		metric.WithDescription("Embedding cache lookups by result"),
		metric.WithUnit("{lookup}"))
	if err != nil {
		return nil, err
	}

	memoryOps, err := meter.Int64Counter("memory.operations",
		metric.WithDescription("Memory tier operations"),
		metric.WithUnit("{operation}"))
	if err != nil {
		return nil, err
	}

	rateWaits, err := meter.Int64Counter("ratelimit.waits",
		metric.WithDescription("Rate limiter acquisitions that had to sleep"),
		metric.WithUnit("{wait}"))
	if err != nil {
		return nil, err
	}

	costTotal, err := meter.Float64Counter("llm.cost.total",
		metric.WithDescription("Cumulative LLM cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	pipelineLatency, err := meter.Float64Histogram("pipeline.latency_ms",
		metric.WithDescription("End-to-end message handling latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	llmDuration, err := meter.Float64Histogram("llm.duration_ms",
		metric.WithDescription("LLM call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	embedDuration, err := meter.Float64Histogram("embedding.duration_ms",
		metric.WithDescription("Embedding call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:           tracer,
		Meter:            meter,
		Logger:           logger,
		PipelineRequests: pipelineRequests,
		TokenUsage:       tokenUsage,
		LLMRequests:      llmRequests,
		EmbedRequests:    embedRequests,
		EmbedCache:       embedCache,
		MemoryOps:        memoryOps,
		RateWaits:        rateWaits,
		CostTotal:        costTotal,
		PipelineLatency:  pipelineLatency,
		LLMDuration:      llmDuration,
		EmbedDuration:    embedDuration,
		Cost:             NewCostCalculator(pricing),
	}, nil
}
