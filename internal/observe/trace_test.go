package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestCorrelationID(t *testing.T) {
	t.Parallel()
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	tp, _ := newTracerProvider(t)
	seen := make(map[string]bool)
	for range 50 {
		ctx, span := tp.Tracer("test").Start(context.Background(), "op")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation ID = %q, want 32 hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	tp, exp := newTracerProvider(t)
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	_, span := StartSpan(context.Background(), "session.connect")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "session.connect" {
		t.Errorf("spans = %v", spans)
	}
}

func TestLogger(t *testing.T) {
	t.Parallel()
	tp, _ := newTracerProvider(t)

	tests := []struct {
		name      string
		withSpan  bool
		wantTrace bool
	}{
		{name: "with span", withSpan: true, wantTrace: true},
		{name: "without span", withSpan: false, wantTrace: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			ctx := WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)).With("component", "relay"))
			if tc.withSpan {
				c, s := tp.Tracer("test").Start(ctx, "op")
				defer s.End()
				ctx = c
			}
			Logger(ctx).Info("minted")

			out := buf.String()
			if !strings.Contains(out, "component=relay") {
				t.Errorf("output %q does not use the context logger", out)
			}
			if got := strings.Contains(out, "trace_id=") && strings.Contains(out, "span_id="); got != tc.wantTrace {
				t.Errorf("trace attributes present = %v, want %v: %s", got, tc.wantTrace, out)
			}
		})
	}
}

func TestWithLogger_Nil(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if WithLogger(ctx, nil) != ctx {
		t.Error("WithLogger(nil) should return ctx unchanged")
	}
	if Logger(ctx) == nil {
		t.Error("Logger without a context logger returned nil")
	}
}
