package truncate

import (
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Guard keeps the serialized size of e under MaxEventBytes. It truncates
// input, then output, then metadata values from largest to smallest,
// re-measuring after each step. If the event is still too large the
// remaining payloads are replaced with markers. Any change sets
// metadata.truncated. Returns true when e was modified.
func Guard(e *model.Event, logger *slog.Logger) bool {
	size := sizeOf(e)
	if size <= MaxEventBytes {
		return false
	}
	original := size

	steps := []func(){
		func() { e.Input = Value(e.Input) },
		func() { e.Output = Value(e.Output) },
	}
	for _, k := range metadataBySize(e.Metadata) {
		steps = append(steps, func() { e.Metadata[k] = Value(e.Metadata[k]) })
	}

	for _, step := range steps {
		step()
		if size = sizeOf(e); size <= MaxEventBytes {
			break
		}
	}

	if size > MaxEventBytes {
		e.Input = replace(e.Input)
		e.Output = replace(e.Output)
		e.Message = replace(e.Message)
		for k, v := range e.Metadata {
			e.Metadata[k] = replace(v)
		}
		if len(e.Params) > 0 {
			if n := encodedLen(e.Params); n > MaxValueBytes {
				e.Params = Marker(n)
			}
		}
		size = sizeOf(e)
	}

	e.SetMetadata("truncated", true)

	if logger != nil {
		logger.Warn("event payload truncated",
			"run_id", e.RunID,
			"kind", e.Kind,
			"original_size", humanize.Bytes(uint64(original)),
			"final_size", humanize.Bytes(uint64(size)),
		)
	}
	return true
}

func replace(v any) any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok && IsMarker(m) {
		return m
	}
	return Marker(encodedLen(v))
}

func metadataBySize(m map[string]any) []string {
	type kv struct {
		key  string
		size int
	}
	sized := make([]kv, 0, len(m))
	for k, v := range m {
		sized = append(sized, kv{k, encodedLen(v)})
	}
	sort.Slice(sized, func(i, j int) bool {
		if sized[i].size != sized[j].size {
			return sized[i].size > sized[j].size
		}
		return sized[i].key < sized[j].key
	})
	keys := make([]string, len(sized))
	for i, s := range sized {
		keys[i] = s.key
	}
	return keys
}

func sizeOf(e *model.Event) int {
	return encodedLen(e)
}

func encodedLen(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}
