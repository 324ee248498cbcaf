package ingest

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ashita-ai/kiroku/internal/model"
)

// OpenAI chat framing: every message costs a fixed overhead, a role key one
// more, and the reply is primed with the assistant role.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	tokensReplyPrime = 3
)

// completeUsage fills in missing prompt and completion counts of an llm end
// event by tokenizing the stored input and the event's output. Counts the
// producer did report are kept.
func completeUsage(counter TokenCounter, name string, stored model.PricingInput, output any, reported *model.TokensUsage) (*model.TokensUsage, error) {
	u := &model.TokensUsage{}
	if reported != nil {
		*u = *reported
	}
	if counter == nil || name == "" {
		return u, nil
	}

	if !positive(u.Prompt) && stored.Input != nil {
		n, err := promptTokens(counter, name, stored.Input, stored.Params)
		if err != nil {
			return u, err
		}
		u.Prompt = &n
	}
	if !positive(u.Completion) && output != nil {
		n, err := counter.Count(name, outputText(output))
		if err != nil {
			return u, err
		}
		u.Completion = &n
	}
	return u, nil
}

func promptTokens(counter TokenCounter, name string, input any, params map[string]any) (int, error) {
	var msgs []any
	switch t := input.(type) {
	case string:
		return counter.Count(name, t)
	case []any:
		msgs = t
	default:
		return counter.Count(name, jsonString(input))
	}

	total := 0
	for _, m := range msgs {
		total += tokensPerMessage
		fields, ok := m.(map[string]any)
		if !ok {
			n, err := counter.Count(name, textOf(m))
			if err != nil {
				return 0, err
			}
			total += n
			continue
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			n, err := counter.Count(name, textOf(fields[k]))
			if err != nil {
				return 0, err
			}
			total += n
			if k == "role" {
				total += tokensPerRole
			}
		}
	}

	// Function specs are billed as part of the prompt. Their JSON form
	// slightly overcounts the provider's internal rendering.
	if fns := firstPresent(params, "functions", "tools"); fns != nil {
		n, err := counter.Count(name, jsonString(fns))
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total + tokensReplyPrime, nil
}

func outputText(output any) string {
	if s, ok := output.(string); ok {
		return s
	}
	if m, ok := output.(map[string]any); ok {
		if s, ok := m["text"].(string); ok && s != "" {
			return s
		}
	}
	return jsonString(output)
}

func textOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any, []any:
		return jsonString(t)
	case nil:
		return "null"
	default:
		return fmt.Sprint(t)
	}
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func positive(p *int) bool { return p != nil && *p > 0 }
