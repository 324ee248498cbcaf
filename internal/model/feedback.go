package model

// MergeFeedback shallow-merges patch on top of current and returns a new map.
// Keys in patch win; a nil value in patch removes the key. Neither input is
// mutated. The result is never nil.
func MergeFeedback(current, patch map[string]any) map[string]any {
	out := make(map[string]any, len(current)+len(patch))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
