// Package truncate bounds the size of event payloads before they are stored.
//
// Value shortens single oversized strings and objects. Guard enforces a
// ceiling on a whole serialized event. Both are deterministic and
// idempotent: running them over their own output changes nothing.
package truncate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"unicode/utf8"

	"github.com/ashita-ai/kiroku/internal/model"
)

const (
	// MaxValueChars is the longest string kept verbatim.
	MaxValueChars = 100_000
	// MaxValueBytes is the largest JSON-encoded object kept verbatim.
	MaxValueBytes = 100_000
	// MaxEventBytes is the serialized-size ceiling for one event.
	MaxEventBytes = 1_000_000
)

var markerRe = regexp.MustCompile(`\.\.\. \[truncated (\d+) chars\]$`)

// Value returns v bounded to the value limits. Strings over MaxValueChars
// are cut and suffixed with a marker naming the number of removed chars.
// Maps and slices whose JSON encoding exceeds MaxValueBytes are replaced
// with {truncated: true, original_size: N}. Anything else passes through.
func Value(v any) any {
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]any:
		if IsMarker(t) {
			return t
		}
		return boundObject(v)
	case []any, []map[string]any, []string:
		return boundObject(v)
	default:
		return v
	}
}

// Bound is Value, also reporting whether v was shortened.
func Bound(v any) (any, bool) {
	out := Value(v)
	switch t := v.(type) {
	case string:
		return out, out.(string) != t
	case map[string]any:
		m, _ := out.(map[string]any)
		return out, !IsMarker(t) && IsMarker(m)
	case []any, []map[string]any, []string:
		m, ok := out.(map[string]any)
		return out, ok && IsMarker(m)
	}
	return out, false
}

// String truncates s to MaxValueChars runes. A string that already ends in
// a well-formed marker is returned unchanged.
func String(s string) string {
	n := utf8.RuneCountInString(s)
	if n <= MaxValueChars {
		return s
	}
	if isTruncated(s) {
		return s
	}
	kept := []rune(s)[:MaxValueChars]
	return string(kept) + fmt.Sprintf("... [truncated %d chars]", n-MaxValueChars)
}

// isTruncated reports whether s is exactly the output of String: a prefix
// of MaxValueChars runes followed by one marker.
func isTruncated(s string) bool {
	loc := markerRe.FindStringSubmatchIndex(s)
	if loc == nil {
		return false
	}
	if _, err := strconv.Atoi(s[loc[2]:loc[3]]); err != nil {
		return false
	}
	return utf8.RuneCountInString(s[:loc[0]]) == MaxValueChars
}

func boundObject(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	if len(b) <= MaxValueBytes {
		return v
	}
	return Marker(len(b))
}

// Marker builds the placeholder that replaces an oversized object.
func Marker(originalSize int) map[string]any {
	return map[string]any{"truncated": true, "original_size": originalSize}
}

// IsMarker reports whether m is a placeholder produced by Marker.
func IsMarker(m map[string]any) bool {
	return model.IsTruncationMarker(m)
}
