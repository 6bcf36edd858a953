package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ebookfactory/internal/metrics"
	"ebookfactory/internal/tracing"
)

type instrumented struct {
	next Gateway
}

// Instrument wraps next with logging, metrics and a span per call.
func Instrument(next Gateway) Gateway {
	return instrumented{next: next}
}

func (g instrumented) SynthesizeOutline(ctx context.Context, topic string) (Outline, error) {
	ctx, span := tracing.Start(ctx, "gateway.outline", trace.WithAttributes(attribute.String("ebook.topic", topic)))
	defer span.End()

	start := time.Now()
	out, err := g.next.SynthesizeOutline(ctx, topic)
	g.observe(ctx, span, "outline", start, err)
	if err == nil {
		span.SetAttributes(attribute.Int("ebook.chapters", len(out.Chapters)))
	}
	return out, err
}

func (g instrumented) SynthesizeCover(ctx context.Context, req CoverRequest) (string, error) {
	ctx, span := tracing.Start(ctx, "gateway.cover", trace.WithAttributes(attribute.String("ebook.title", req.Title)))
	defer span.End()

	start := time.Now()
	img, err := g.next.SynthesizeCover(ctx, req)
	g.observe(ctx, span, "cover", start, err)
	return img, err
}

func (g instrumented) SynthesizeChapterBody(ctx context.Context, req ChapterRequest) (string, error) {
	ctx, span := tracing.Start(ctx, "gateway.chapter", trace.WithAttributes(attribute.String("ebook.chapter", req.ChapterTitle)))
	defer span.End()

	start := time.Now()
	body, err := g.next.SynthesizeChapterBody(ctx, req)
	g.observe(ctx, span, "chapter", start, err)
	if err == nil {
		span.SetAttributes(attribute.Int("ebook.chapter_bytes", len(body)))
	}
	return body, err
}

func (g instrumented) observe(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	elapsed := time.Since(start)
	metrics.GatewayCallsTotal.WithLabelValues(op, metrics.Result(err)).Inc()
	metrics.GatewayCallDuration.WithLabelValues(op).Observe(elapsed.Seconds())

	ev := log.Debug()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ev = log.Warn().Err(err)
	}
	ev.Str("op", op).
		Dur("elapsed", elapsed).
		Str("trace_id", tracing.TraceID(ctx)).
		Msg("gateway call")
}
