package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for spans.
var (
	AttrRequestID    = attribute.Key("proxycast.request.id")
	AttrRunID        = attribute.Key("proxycast.run.id")
	AttrSessionID    = attribute.Key("proxycast.session.id")
	AttrProvider     = attribute.Key("proxycast.provider.id")
	AttrCredentialID = attribute.Key("proxycast.credential.id")
	AttrModel        = attribute.Key("proxycast.llm.model")
	AttrToolName     = attribute.Key("proxycast.tool.name")
	AttrTaskID       = attribute.Key("proxycast.cron.task_id")
	AttrAttempt      = attribute.Key("proxycast.dispatch.attempt")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound RPC frame.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound upstream call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
