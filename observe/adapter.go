// Package observe instruments sandbox executions and emits them as
// OpenTelemetry traces.
//
// An [Adapter] is constructed once per process and injected where it is
// needed. Each execution gets its own [TraceContext]:
//
//	tc := adapter.Start(ctx, "echo", wasm)
//	imports.Add(tc.ImportObject()...)
//	// instantiate with sandbox.Config{Listener: tc} and run
//	tc.SetMetadata(map[string]string{"http_status_code": "200"})
//	tc.Stop()
//
// Spans are exported asynchronously in batches bounded by
// Config.EmitInterval and Config.BatchMax. Adapter.Shutdown flushes them.
package observe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/caffeineduck/iota/observe"

// Exporter selects where spans are sent.
type Exporter string

const (
	ExporterNone     Exporter = "none"
	ExporterStdout   Exporter = "stdout"
	ExporterOTLPGRPC Exporter = "otlp-grpc"
	ExporterOTLPHTTP Exporter = "otlp-http"
)

// Config configures an Adapter.
type Config struct {
	ServiceName string
	Exporter    Exporter
	Endpoint    string
	Headers     map[string]string
	Insecure    bool

	// EmitInterval is the longest a finished span waits before export.
	EmitInterval time.Duration
	// BatchMax caps the number of spans per export.
	BatchMax int
	// MinSpanDuration drops recorded guest spans shorter than this.
	MinSpanDuration time.Duration
	// FunctionCalls records every guest function call as a span.
	FunctionCalls bool
}

// DefaultConfig mirrors the demo service: one-second emission, batches of
// up to 100 spans, nothing exported.
func DefaultConfig() Config {
	return Config{
		ServiceName:  "iota",
		Exporter:     ExporterNone,
		EmitInterval: time.Second,
		BatchMax:     100,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("trace: service name required")
	}
	if c.EmitInterval <= 0 {
		return fmt.Errorf("trace: emit interval must be positive, got %v", c.EmitInterval)
	}
	if c.BatchMax <= 0 {
		return fmt.Errorf("trace: batch max must be positive, got %d", c.BatchMax)
	}
	if c.MinSpanDuration < 0 {
		return fmt.Errorf("trace: min span duration must not be negative, got %v", c.MinSpanDuration)
	}
	switch c.Exporter {
	case ExporterNone, ExporterStdout:
	case ExporterOTLPGRPC, ExporterOTLPHTTP:
		if c.Endpoint == "" {
			return fmt.Errorf("trace: exporter %s requires an endpoint", c.Exporter)
		}
	default:
		return fmt.Errorf("trace: unknown exporter %q", c.Exporter)
	}
	return nil
}

// Adapter owns the tracer provider and its batching exporter.
type Adapter struct {
	cfg    Config
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
	logger *zap.Logger
}

// New validates cfg, builds the configured exporter and returns a ready
// Adapter.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithExporter(cfg, exp, logger)
}

// NewWithExporter builds an Adapter around exp. A nil exp records spans
// without exporting them.
func NewWithExporter(cfg Config, exp sdktrace.SpanExporter, logger *zap.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp,
			sdktrace.WithBatchTimeout(cfg.EmitInterval),
			sdktrace.WithMaxExportBatchSize(cfg.BatchMax),
		))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	logger.Info("trace adapter initialized",
		zap.String("exporter", string(cfg.Exporter)),
		zap.String("service_name", cfg.ServiceName),
		zap.Duration("emit_interval", cfg.EmitInterval),
		zap.Int("batch_max", cfg.BatchMax),
	)

	return &Adapter{
		cfg:    cfg,
		tp:     tp,
		tracer: tp.Tracer(tracerName),
		logger: logger.With(zap.String("component", "observe")),
	}, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterNone:
		return nil, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return exp, nil
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithTimeout(2 * time.Second),
			otlptracegrpc.WithHeaders(cfg.Headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		return exp, nil
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithTimeout(2 * time.Second),
			otlptracehttp.WithHeaders(cfg.Headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		return exp, nil
	}
	return nil, fmt.Errorf("trace: unknown exporter %q", cfg.Exporter)
}

// StartOption customizes one TraceContext.
type StartOption func(*startConfig)

type startConfig struct {
	minDuration   time.Duration
	functionCalls bool
	attrs         []attribute.KeyValue
}

// WithSpanFilter drops guest spans shorter than d.
func WithSpanFilter(d time.Duration) StartOption {
	return func(c *startConfig) { c.minDuration = d }
}

// WithFunctionCalls toggles per-call spans for this execution.
func WithFunctionCalls(enabled bool) StartOption {
	return func(c *startConfig) { c.functionCalls = enabled }
}

// WithAttributes adds attributes to the root span.
func WithAttributes(attrs ...attribute.KeyValue) StartOption {
	return func(c *startConfig) { c.attrs = append(c.attrs, attrs...) }
}

// Start begins the root span for one execution of the module named name.
func (a *Adapter) Start(ctx context.Context, name string, wasm []byte, opts ...StartOption) *TraceContext {
	sc := startConfig{
		minDuration:   a.cfg.MinSpanDuration,
		functionCalls: a.cfg.FunctionCalls,
	}
	for _, opt := range opts {
		opt(&sc)
	}

	sum := sha256.Sum256(wasm)
	attrs := append([]attribute.KeyValue{
		attribute.String("wasm.module.name", name),
		attribute.Int("wasm.module.size", len(wasm)),
		attribute.String("wasm.module.sha256", hex.EncodeToString(sum[:])),
	}, sc.attrs...)

	spanCtx, root := a.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	return newTraceContext(spanCtx, root, a.tracer, sc, a.logger.With(zap.String("module", name)))
}

// Flush exports every finished span without waiting for the emit interval.
func (a *Adapter) Flush(ctx context.Context) error {
	return a.tp.ForceFlush(ctx)
}

// Shutdown flushes pending spans and stops the exporter.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if err := a.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
