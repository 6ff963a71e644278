package otelhelper

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func remoteSpanContext() trace.SpanContext {
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
	})
}

func TestInjectExtractRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	sc := remoteSpanContext()
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	header := InjectContext(ctx)
	if header.Get("traceparent") == "" {
		t.Fatal("no traceparent header injected")
	}

	got := trace.SpanContextFromContext(ExtractContext(context.Background(), header))
	if got.TraceID() != sc.TraceID() {
		t.Errorf("extracted trace id = %s, want %s", got.TraceID(), sc.TraceID())
	}
	if got.SpanID() != sc.SpanID() {
		t.Errorf("extracted span id = %s, want %s", got.SpanID(), sc.SpanID())
	}
}

func TestStartConsumerSpanJoinsPublishTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	sc := remoteSpanContext()
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	msg := &nats.Msg{
		Subject: "room.evt.r1",
		Data:    []byte(`{"type":"message"}`),
		Header:  InjectContext(ctx),
	}

	consumerCtx, span := StartConsumerSpan(context.Background(), msg, "room.evt.r1 receive")
	defer span.End()

	if got := trace.SpanContextFromContext(consumerCtx).TraceID(); got != sc.TraceID() {
		t.Errorf("consumer trace id = %s, want the publisher's %s", got, sc.TraceID())
	}
}

func TestStartConsumerSpanWithoutHeaders(t *testing.T) {
	msg := &nats.Msg{Subject: "room.evt.r1", Data: []byte(`{}`)}
	_, span := StartConsumerSpan(context.Background(), msg, "room.evt.r1 receive")
	span.End()
}
