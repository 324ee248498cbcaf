package otlp_test

import (
	"encoding/hex"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func ns(t time.Time) uint64 { return uint64(t.UnixNano()) }

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func str(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}

func i64(k string, v int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v}}}
}

func resource(kvs ...*commonpb.KeyValue) *resourcepb.Resource {
	return &resourcepb.Resource{Attributes: kvs}
}

type spanOpt func(*tracepb.Span)

func withParent(id string) spanOpt {
	return func(s *tracepb.Span) { s.ParentSpanId = mustHex(id) }
}

func withTimes(start, end time.Time) spanOpt {
	return func(s *tracepb.Span) {
		s.StartTimeUnixNano = ns(start)
		if end.IsZero() {
			s.EndTimeUnixNano = 0
		} else {
			s.EndTimeUnixNano = ns(end)
		}
	}
}

func withEvent(name string, kvs ...*commonpb.KeyValue) spanOpt {
	return func(s *tracepb.Span) {
		s.Events = append(s.Events, &tracepb.Span_Event{Name: name, Attributes: kvs})
	}
}

func withStatus(code tracepb.Status_StatusCode, msg string) spanOpt {
	return func(s *tracepb.Span) { s.Status = &tracepb.Status{Code: code, Message: msg} }
}

func newSpan(spanID string, attrs []*commonpb.KeyValue, opts ...spanOpt) *tracepb.Span {
	s := &tracepb.Span{
		TraceId:           mustHex("4bf92f3577b34da6a3ce929d0e0e4736"),
		SpanId:            mustHex(spanID),
		Name:              "span",
		StartTimeUnixNano: ns(t0),
		EndTimeUnixNano:   ns(t0.Add(1500 * time.Millisecond)),
		Attributes:        attrs,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func newLog(eventName, spanID string, at time.Time, body string, kvs ...*commonpb.KeyValue) *logspb.LogRecord {
	rec := &logspb.LogRecord{
		TimeUnixNano: ns(at),
		EventName:    eventName,
		Attributes:   kvs,
		TraceId:      mustHex("4bf92f3577b34da6a3ce929d0e0e4736"),
	}
	if spanID != "" {
		rec.SpanId = mustHex(spanID)
	}
	if body != "" {
		rec.Body = &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: body}}
	}
	return rec
}

var zeroTime time.Time

const time1s = time.Second
