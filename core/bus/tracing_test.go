package bus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/codewandler/esbus/core/es"
)

func TestTracePropagation(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	h := newHarness(t, counterSub())

	var consumerTrace atomic.Value
	h.run(t, h.consumer(t, es.HandleFunc(func(c es.MsgCtx) error {
		consumerTrace.Store(trace.SpanContextFromContext(c.Context()).TraceID())
		return nil
	})))

	ctx, root := tp.Tracer("test").Start(t.Context(), "command")
	h.save(t, ctx, "agg-1", 1)
	root.End()

	require.Eventually(t, func() bool { return consumerTrace.Load() != nil }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, root.SpanContext().TraceID(), consumerTrace.Load())

	var kinds []trace.SpanKind
	for _, s := range rec.Ended() {
		if s.SpanContext().TraceID() == root.SpanContext().TraceID() {
			kinds = append(kinds, s.SpanKind())
		}
	}
	require.Contains(t, kinds, trace.SpanKindProducer)
}
