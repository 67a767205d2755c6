package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func TestStartSpan_CaptureStart(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), SpanCaptureStart, AttrAudioFormat.String("44100Hz/2ch"))
	if CorrelationID(ctx) == "" {
		t.Error("span context carries no trace ID")
	}
	span.SetAttributes(AttrSessionID.String("sess-1"))
	EndSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != SpanCaptureStart {
		t.Errorf("name = %q, want %q", s.Name, SpanCaptureStart)
	}
	if s.SpanKind != trace.SpanKindInternal {
		t.Errorf("kind = %v, want internal", s.SpanKind)
	}
	if s.Status.Code == codes.Error {
		t.Error("successful span marked as error")
	}
	if got, _ := spanAttr(s, string(AttrAudioFormat)); got != "44100Hz/2ch" {
		t.Errorf("format attribute = %q", got)
	}
	if got, _ := spanAttr(s, string(AttrSessionID)); got != "sess-1" {
		t.Errorf("session attribute = %q", got)
	}
}

func TestEndSpan_RecordsFailure(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartSpan(context.Background(), SpanTransportDial)
	EndSpan(span, errors.New("transport: dial ws://ingest: connection refused"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Status.Code != codes.Error || !strings.Contains(s.Status.Description, "connection refused") {
		t.Errorf("status = %+v", s.Status)
	}
	if len(s.Events) == 0 || s.Events[0].Name != "exception" {
		t.Errorf("events = %+v, want a recorded exception", s.Events)
	}
}

func TestCorrelationID_NoSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}

func TestLogger_TraceFields(t *testing.T) {
	useTestTracer(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	Logger(context.Background()).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span has trace_id: %s", buf.String())
	}

	buf.Reset()
	ctx, span := StartSpan(context.Background(), SpanCaptureStart)
	defer span.End()
	Logger(ctx).Info("capture: session started")
	out := buf.String()
	if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) || !strings.Contains(out, "span_id=") {
		t.Errorf("log output missing trace fields: %s", out)
	}
}
