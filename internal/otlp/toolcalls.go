package otlp

import (
	"sort"
	"time"

	"github.com/ashita-ai/kiroku/internal/model"
)

type toolCall struct {
	id        string
	name      string
	arguments any
	result    any
	at        time.Time
}

// AggregateToolCalls attaches an output.tool_calls list to every end event
// whose run has tool children in the same batch, so one assistant turn
// shows the tools it invoked. Each entry is {id, name, arguments, result},
// ordered by the child's timestamp. Children without a call id or a name
// are skipped. A string output becomes {content, tool_calls}; a message
// list becomes {messages, tool_calls}.
func AggregateToolCalls(events []model.Event) {
	ends := map[string]int{}
	for i, e := range events {
		if e.Kind == model.KindEnd && e.RunID != "" {
			ends[e.RunID] = i
		}
	}
	if len(ends) == 0 {
		return
	}

	calls := map[string]map[string]*toolCall{}
	var order []string
	for _, e := range events {
		if e.Type != model.TypeTool || e.ParentRunID == "" {
			continue
		}
		if _, ok := ends[e.ParentRunID]; !ok {
			continue
		}
		byRun := calls[e.ParentRunID]
		if byRun == nil {
			byRun = map[string]*toolCall{}
			calls[e.ParentRunID] = byRun
			order = append(order, e.ParentRunID)
		}
		tc := byRun[e.RunID]
		if tc == nil {
			tc = &toolCall{at: e.Timestamp}
			byRun[e.RunID] = tc
		}
		if e.Timestamp.Before(tc.at) {
			tc.at = e.Timestamp
		}
		if id, _ := e.Metadata["toolCallId"].(string); id != "" {
			tc.id = id
		} else if e.Kind == model.KindComplete && tc.id == "" {
			tc.id = e.RunID
		}
		if e.Name != "" {
			tc.name = e.Name
		}
		switch e.Kind {
		case model.KindStart:
			tc.arguments = e.Input
		case model.KindEnd:
			tc.result = e.Output
		case model.KindComplete:
			if !isEmpty(e.Input) {
				tc.arguments = e.Input
			}
			tc.result = e.Output
		}
	}

	for _, parent := range order {
		list := make([]*toolCall, 0, len(calls[parent]))
		for _, tc := range calls[parent] {
			if tc.id == "" || tc.name == "" {
				continue
			}
			list = append(list, tc)
		}
		if len(list) == 0 {
			continue
		}
		sort.SliceStable(list, func(i, j int) bool {
			if !list[i].at.Equal(list[j].at) {
				return list[i].at.Before(list[j].at)
			}
			return list[i].id < list[j].id
		})

		entries := make([]any, len(list))
		for i, tc := range list {
			entries[i] = map[string]any{
				"id":        tc.id,
				"name":      tc.name,
				"arguments": tc.arguments,
				"result":    tc.result,
			}
		}

		end := &events[ends[parent]]
		end.Output = withToolCalls(end.Output, entries)
	}
}

func withToolCalls(output any, entries []any) any {
	switch o := output.(type) {
	case map[string]any:
		out := make(map[string]any, len(o)+1)
		for k, v := range o {
			out[k] = v
		}
		out["tool_calls"] = entries
		return out
	case string:
		return map[string]any{"content": o, "tool_calls": entries}
	case []any:
		return map[string]any{"messages": o, "tool_calls": entries}
	case nil:
		return map[string]any{"tool_calls": entries}
	default:
		return map[string]any{"content": o, "tool_calls": entries}
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(t) == 0
	case string:
		return t == ""
	}
	return false
}
