package otlp

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	"google.golang.org/protobuf/proto"

	"github.com/ashita-ai/kiroku/internal/semconv"
)

// ContentType is the only request encoding the OTLP endpoints accept.
const ContentType = "application/x-protobuf"

// DecodeTraces parses a binary OTLP trace export request.
func DecodeTraces(body []byte) (*coltracepb.ExportTraceServiceRequest, error) {
	req := &coltracepb.ExportTraceServiceRequest{}
	if err := proto.Unmarshal(body, req); err != nil {
		return nil, fmt.Errorf("otlp: decode traces: %w", err)
	}
	return req, nil
}

// DecodeLogs parses a binary OTLP logs export request.
func DecodeLogs(body []byte) (*collogspb.ExportLogsServiceRequest, error) {
	req := &collogspb.ExportLogsServiceRequest{}
	if err := proto.Unmarshal(body, req); err != nil {
		return nil, fmt.Errorf("otlp: decode logs: %w", err)
	}
	return req, nil
}

// DecodeMetrics parses a binary OTLP metrics export request.
func DecodeMetrics(body []byte) (*colmetricspb.ExportMetricsServiceRequest, error) {
	req := &colmetricspb.ExportMetricsServiceRequest{}
	if err := proto.Unmarshal(body, req); err != nil {
		return nil, fmt.Errorf("otlp: decode metrics: %w", err)
	}
	return req, nil
}

// CountMetrics returns the number of metrics in req. Metrics are
// acknowledged but not translated.
func CountMetrics(req *colmetricspb.ExportMetricsServiceRequest) int {
	n := 0
	for _, rm := range req.GetResourceMetrics() {
		for _, sm := range rm.GetScopeMetrics() {
			n += len(sm.GetMetrics())
		}
	}
	return n
}

// jsonAttrs are framework attributes whose string values hold JSON.
var jsonAttrs = map[string]bool{
	semconv.AllMessagesEvents: true,
	semconv.FinalResult:       true,
	semconv.ToolArguments:     true,
	semconv.ToolOutput:        true,
	semconv.FrameworkEvents:   true,
}

// Attributes converts an OTLP attribute list to a plain map. JSON strings in
// the framework content attributes are decoded; every other value is kept
// as sent.
func Attributes(kvs []*commonpb.KeyValue) map[string]any {
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		v := Value(kv.GetValue())
		if jsonAttrs[kv.GetKey()] {
			if s, ok := v.(string); ok {
				v = parseJSON(s)
			}
		}
		out[kv.GetKey()] = v
	}
	return out
}

// mergeResource copies resource attributes into attrs without overwriting.
func mergeResource(attrs, resource map[string]any) map[string]any {
	for k, v := range resource {
		if _, ok := attrs[k]; !ok {
			attrs[k] = v
		}
	}
	return attrs
}

// Value converts an OTLP AnyValue to a Go value. Bytes become base64 strings.
func Value(v *commonpb.AnyValue) any {
	if v == nil {
		return nil
	}
	switch t := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return t.StringValue
	case *commonpb.AnyValue_BoolValue:
		return t.BoolValue
	case *commonpb.AnyValue_IntValue:
		return t.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return t.DoubleValue
	case *commonpb.AnyValue_BytesValue:
		return base64.StdEncoding.EncodeToString(t.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		vals := t.ArrayValue.GetValues()
		arr := make([]any, len(vals))
		for i, el := range vals {
			arr[i] = Value(el)
		}
		return arr
	case *commonpb.AnyValue_KvlistValue:
		kvs := t.KvlistValue.GetValues()
		m := make(map[string]any, len(kvs))
		for _, kv := range kvs {
			m[kv.GetKey()] = Value(kv.GetValue())
		}
		return m
	default:
		return nil
	}
}

// parseJSON decodes s when it looks like a JSON document and returns s
// unchanged otherwise.
func parseJSON(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return s
	}
	switch trimmed[0] {
	case '{', '[', '"':
	default:
		return s
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return s
	}
	return v
}

func hexID(id []byte) string {
	if len(id) == 0 {
		return ""
	}
	for _, b := range id {
		if b != 0 {
			return hex.EncodeToString(id)
		}
	}
	// An all-zero id is the wire encoding of "absent".
	return ""
}

func nanosToTime(ns uint64) time.Time {
	return time.Unix(0, int64(ns)).UTC()
}

func stringAttr(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return strings.TrimSpace(s)
}
