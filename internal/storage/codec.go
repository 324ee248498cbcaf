package storage

import (
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/kiroku/internal/model"
)

// EncodeJSON marshals v for a JSON column. A nil v encodes as SQL NULL.
// Values are always passed to the driver as pre-encoded bytes so a Go string
// is stored as a JSON string rather than interpreted as raw JSON text.
func EncodeJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case []any:
		if t == nil {
			return nil, nil
		}
	case *model.EventError:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("storage: encode json: %w", err)
	}
	return b, nil
}

// DecodeJSON unmarshals a JSON column into a generic value. NULL decodes to nil.
func DecodeJSON(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("storage: decode json: %w", err)
	}
	return v, nil
}

// DecodeMap unmarshals a JSON object column. NULL and non-objects decode to nil.
func DecodeMap(b []byte) (map[string]any, error) {
	v, err := DecodeJSON(b)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}

// DecodeError unmarshals the error column.
func DecodeError(b []byte) (*model.EventError, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var e model.EventError
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("storage: decode error column: %w", err)
	}
	return &e, nil
}

// jsonArgs encodes each value with EncodeJSON, stopping at the first error.
func jsonArgs(vs ...any) ([][]byte, error) {
	out := make([][]byte, len(vs))
	for i, v := range vs {
		b, err := EncodeJSON(v)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
