package tracing

import (
	"context"
	"fmt"
	"io"

	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
	"github.com/uber/jaeger-client-go/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// InitTracer initializes the Jaeger tracer. An empty endpoint leaves the
// global no-op tracer in place.
func InitTracer(serviceName, jaegerEndpoint string, sampleRate float64) (opentracing.Tracer, io.Closer, error) {
	if jaegerEndpoint == "" {
		return opentracing.GlobalTracer(), nopCloser{}, nil
	}

	sampler := &config.SamplerConfig{Type: jaeger.SamplerTypeConst, Param: 1}
	if sampleRate > 0 && sampleRate < 1 {
		sampler = &config.SamplerConfig{Type: jaeger.SamplerTypeProbabilistic, Param: sampleRate}
	}

	cfg := &config.Configuration{
		ServiceName: serviceName,
		Sampler:     sampler,
		Reporter: &config.ReporterConfig{
			LogSpans:          false,
			CollectorEndpoint: jaegerEndpoint,
		},
	}

	tracer, closer, err := cfg.NewTracer()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	opentracing.SetGlobalTracer(tracer)
	return tracer, closer, nil
}

// StartSpan starts a new span with the given operation name
func StartSpan(ctx context.Context, operationName string) (opentracing.Span, context.Context) {
	return opentracing.StartSpanFromContext(ctx, operationName)
}

// StartStageSpan starts a span for one pipeline stage of a video
func StartStageSpan(ctx context.Context, stage, videoID string) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "pipeline."+stage)
	span.SetTag("video_id", videoID)
	return span, ctx
}

// FinishSpan finishes a span
func FinishSpan(span opentracing.Span) {
	if span != nil {
		span.Finish()
	}
}

// LogError logs an error to the span
func LogError(span opentracing.Span, err error) {
	if span != nil && err != nil {
		span.SetTag("error", true)
		span.LogKV("error", err.Error())
	}
}

// SetTag sets a tag on the span
func SetTag(span opentracing.Span, key string, value interface{}) {
	if span != nil {
		span.SetTag(key, value)
	}
}
