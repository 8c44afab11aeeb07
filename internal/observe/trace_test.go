package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// useTestTracer installs a TracerProvider with an in-memory exporter as the
// global provider for the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// channelLogger returns a text logger scoped to a channel, writing to buf.
func channelLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})).
		With("channel", "out-a")
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_RecordsAttributes(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "syncgroup.start", trace.WithAttributes(
		attribute.String("group", "wall"),
		attribute.String("channel", "out-a"),
	))
	cid := CorrelationID(ctx)
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "syncgroup.start" {
		t.Errorf("span name = %q, want syncgroup.start", got.Name)
	}
	if got.InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", got.InstrumentationScope.Name, tracerName)
	}
	if cid != got.SpanContext.TraceID().String() {
		t.Errorf("CorrelationID = %q, want span trace ID %s", cid, got.SpanContext.TraceID())
	}
	want := map[attribute.Key]string{"group": "wall", "channel": "out-a"}
	for _, kv := range got.Attributes {
		if w, ok := want[kv.Key]; ok {
			if kv.Value.AsString() != w {
				t.Errorf("%s = %q, want %q", kv.Key, kv.Value.AsString(), w)
			}
			delete(want, kv.Key)
		}
	}
	if len(want) != 0 {
		t.Errorf("missing attributes: %v", want)
	}
}

func TestStartSpan_NestsUnderParent(t *testing.T) {
	exp := useTestTracer(t)

	ctx, parent := StartSpan(context.Background(), "http.request")
	_, child := StartSpan(ctx, "syncgroup.stop")
	child.End()
	parent.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	c, p := spans[0], spans[1]
	if c.Parent.SpanID() != p.SpanContext.SpanID() {
		t.Errorf("child parent = %s, want %s", c.Parent.SpanID(), p.SpanContext.SpanID())
	}
	if c.SpanContext.TraceID() != p.SpanContext.TraceID() {
		t.Error("child and parent have different trace IDs")
	}
}

func TestWithTrace_KeepsChannelScope(t *testing.T) {
	useTestTracer(t)

	var buf bytes.Buffer
	ctx, span := StartSpan(context.Background(), "channel.start")
	defer span.End()

	WithTrace(ctx, channelLogger(&buf)).Info("channel started")

	logged := buf.String()
	for _, want := range []string{
		"channel=out-a",
		"trace_id=" + span.SpanContext().TraceID().String(),
		"span_id=" + span.SpanContext().SpanID().String(),
	} {
		if !strings.Contains(logged, want) {
			t.Errorf("log output missing %q, got: %s", want, logged)
		}
	}
}

func TestWithTrace_NoSpanReturnsLogger(t *testing.T) {
	var buf bytes.Buffer
	l := channelLogger(&buf)
	if got := WithTrace(context.Background(), l); got != l {
		t.Error("WithTrace without a span returned a different logger")
	}
	l.Info("channel stopped")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log output should not contain trace_id, got: %s", buf.String())
	}
}

func TestLogger_UsesDefaultLogger(t *testing.T) {
	useTestTracer(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span := StartSpan(context.Background(), "api.pause")
	defer span.End()
	Logger(ctx).Info("channel pause toggled")

	if !strings.Contains(buf.String(), "trace_id="+CorrelationID(ctx)) {
		t.Errorf("log output missing trace_id, got: %s", buf.String())
	}
}
