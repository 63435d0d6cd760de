package bus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/codewandler/esbus/core/bus"

var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

func tracer() trace.Tracer { return otel.Tracer(tracerName) }

func messageAttrs(root string, msg *Message) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.destination.name", root),
		attribute.String("messaging.message.id", msg.ID),
		attribute.String("event.type", msg.RoutingKey),
		attribute.String("event.stream_id", msg.Header(HeaderStreamID)),
		attribute.String("event.correlation_id", msg.Header(HeaderCorrelationID)),
	}
}

// startPublishSpan starts a producer span and writes its context into the
// message headers.
func startPublishSpan(ctx context.Context, root string, msg *Message) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "publish "+msg.RoutingKey,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(messageAttrs(root, msg)...),
	)
	if msg.Headers == nil {
		msg.Headers = map[string]string{}
	}
	propagator.Inject(ctx, propagation.MapCarrier(msg.Headers))
	return ctx, span
}

// startConsumeSpan continues the trace carried by msg.
func startConsumeSpan(ctx context.Context, sub string, msg *Message) (context.Context, trace.Span) {
	ctx = propagator.Extract(ctx, propagation.MapCarrier(msg.Headers))
	return tracer().Start(ctx, "process "+msg.RoutingKey,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(append(messageAttrs("", msg), attribute.String("messaging.consumer.group.name", sub))...),
	)
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
