package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// DecodeBatch splits a native ingest body into raw events. The body may be
// {"events": Event|Event[]}, a bare event, or a bare array of events.
// Individual events are decoded later so one malformed event cannot fail
// the whole batch.
func DecodeBatch(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("model: empty body")
	}

	if body[0] == '{' {
		var env struct {
			Events json.RawMessage `json:"events"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("model: decode body: %w", err)
		}
		if len(env.Events) > 0 && !bytes.Equal(env.Events, []byte("null")) {
			body = bytes.TrimSpace(env.Events)
		}
	}

	if len(body) > 0 && body[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, fmt.Errorf("model: decode events: %w", err)
		}
		// SDKs occasionally nest single events in one-element arrays.
		for i, r := range raws {
			r = bytes.TrimSpace(r)
			if len(r) > 0 && r[0] == '[' {
				var inner []json.RawMessage
				if err := json.Unmarshal(r, &inner); err == nil && len(inner) == 1 {
					raws[i] = inner[0]
				}
			}
		}
		return raws, nil
	}
	return []json.RawMessage{body}, nil
}

// ParseEvent decodes one raw native event. Top-level keys (and the keys of
// tokensUsage and error) are normalized from snake_case to camelCase first;
// payload fields such as input and output are left untouched.
func ParseEvent(raw json.RawMessage) (Event, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	norm := make(map[string]any, len(m))
	for k, v := range m {
		ck := toCamel(k)
		if ck == "tokensUsage" || ck == "error" {
			if sub, ok := v.(map[string]any); ok {
				cs := make(map[string]any, len(sub))
				for sk, sv := range sub {
					cs[toCamel(sk)] = sv
				}
				v = cs
			}
		}
		norm[ck] = v
	}

	b, err := json.Marshal(norm)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return e, nil
}

// PeekRunID extracts the producer's run id from a raw event for result
// reporting, even when the event itself fails to decode.
func PeekRunID(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	for _, k := range []string{"runId", "run_id"} {
		if s := scalarString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

// Clean normalizes an event before it reaches the registrar: ids are
// coerced to UUIDs, the provider path prefix is stripped from names,
// metadata is reduced to scalar values, and tags/templateId fall back to
// their metadata equivalents.
func Clean(e Event) (Event, error) {
	if e.Kind == "" {
		if e.Type != TypeLog {
			return e, fmt.Errorf("%w: event kind is required", ErrInvalidEvent)
		}
	}
	if e.Type == "" && e.Kind == KindStart {
		return e, fmt.Errorf("%w: event type is required for start events", ErrInvalidEvent)
	}

	if len(e.Tags) == 0 && e.Metadata != nil {
		e.Tags = stringList(e.Metadata["tags"])
	}
	if e.TemplateID == "" && e.Metadata != nil {
		e.TemplateID = scalarString(e.Metadata["templateId"])
	}

	e.Metadata = cleanMetadata(e.Metadata)
	e.Name = strings.Replace(e.Name, "models/", "", 1)
	e.RunID = EnsureUUID(e.RunID)
	e.ParentRunID = EnsureUUID(e.ParentRunID)
	return e, nil
}

// cleanMetadata keeps first-level strings, numbers, booleans, arrays of
// those and truncation markers; any other value is replaced with null.
func cleanMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string, bool, float64, float32, int, int64, int32, uint64, nil:
			out[k] = t
		case []any:
			arr := make([]any, len(t))
			for i, el := range t {
				if isScalar(el) {
					arr[i] = el
				}
			}
			out[k] = arr
		case []string:
			out[k] = t
		case map[string]any:
			if IsTruncationMarker(t) {
				out[k] = t
			} else {
				out[k] = nil
			}
		default:
			out[k] = nil
		}
	}
	return out
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int64, int32, uint64:
		return true
	}
	return false
}

// toCamel converts snake_case and kebab-case keys to camelCase.
func toCamel(s string) string {
	if !strings.ContainsAny(s, "_-") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	upper := false
	for i, r := range s {
		if (r == '_' || r == '-') && i > 0 {
			upper = true
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ToCamel is exported for mappers that need the same key convention.
func ToCamel(s string) string { return toCamel(s) }

// IsTruncationMarker reports whether m is the {truncated, original_size}
// placeholder left where an oversized object was cut.
func IsTruncationMarker(m map[string]any) bool {
	if len(m) != 2 {
		return false
	}
	if t, ok := m["truncated"].(bool); !ok || !t {
		return false
	}
	switch m["original_size"].(type) {
	case int, int64, float64:
		return true
	}
	return false
}
