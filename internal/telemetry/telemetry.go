// Package telemetry emits OpenTelemetry spans for workflow stages and model
// calls. Every call is best-effort: a nil Tracer is a no-op and failures
// inside the tracing SDK are logged and swallowed.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config controls the tracer provider.
type Config struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"`
}

// Tracer wraps an OpenTelemetry tracer. The zero value and nil are valid
// no-op tracers.
type Tracer struct {
	tracer trace.Tracer
}

// New wraps t. A nil t yields a no-op Tracer.
func New(t trace.Tracer) *Tracer {
	return &Tracer{tracer: t}
}

// Setup builds a tracer provider that logs finished spans through zap. The
// returned shutdown func flushes pending spans.
func Setup(cfg Config) (*Tracer, func(context.Context) error) {
	if !cfg.Enabled {
		return &Tracer{}, func(context.Context) error { return nil }
	}
	name := cfg.ServiceName
	if name == "" {
		name = "rulesmith"
	}
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithBatcher(&zapExporter{}),
	)
	return New(tp.Tracer(name)), tp.Shutdown
}

// Span is a started span. A nil Span is valid.
type Span struct {
	span trace.Span
}

// Start opens a span named name. It never fails; on any tracing error the
// original context and a no-op span are returned.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	if t == nil || t.tracer == nil {
		return ctx, nil
	}
	outCtx, out := ctx, (*Span)(nil)
	guard("start "+name, func() {
		c, s := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
		outCtx, out = c, &Span{span: s}
	})
	return outCtx, out
}

// SetAttributes adds attributes to the span.
func (s *Span) SetAttributes(attrs ...attribute.KeyValue) {
	if s == nil || s.span == nil {
		return
	}
	guard("set attributes", func() { s.span.SetAttributes(attrs...) })
}

// End closes the span, recording err when non-nil.
func (s *Span) End(err error) {
	if s == nil || s.span == nil {
		return
	}
	guard("end span", func() {
		if err != nil {
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, err.Error())
		} else {
			s.span.SetStatus(codes.Ok, "")
		}
		s.span.End()
	})
}

func guard(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Warn("telemetry: tracing call failed",
				zap.String("op", op),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn()
}

// zapExporter writes finished spans to the debug log.
type zapExporter struct{}

func (e *zapExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		fields := []zap.Field{
			zap.String("span", s.Name()),
			zap.String("trace_id", s.SpanContext().TraceID().String()),
			zap.Int64("duration_ms", s.EndTime().Sub(s.StartTime()).Milliseconds()),
			zap.String("status", s.Status().Code.String()),
		}
		for _, kv := range s.Attributes() {
			fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
		}
		zap.L().Debug("span finished", fields...)
	}
	return nil
}

func (e *zapExporter) Shutdown(context.Context) error { return nil }

// Since is a convenience attribute for elapsed milliseconds.
func Since(start time.Time) attribute.KeyValue {
	return attribute.Int64("duration_ms", time.Since(start).Milliseconds())
}
