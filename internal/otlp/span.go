package otlp

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/semconv"
)

var operationTypes = map[string]model.EventType{
	"chat":             model.TypeLLM,
	"text_completion":  model.TypeLLM,
	"generate_content": model.TypeLLM,
	"embeddings":       model.TypeEmbed,
	"execute_tool":     model.TypeTool,
	"create_agent":     model.TypeAgent,
	"invoke_agent":     model.TypeAgent,
	"agent_run":        model.TypeAgent,
}

// classify returns the event type for a span, or false when the span is
// not gen-AI telemetry.
func classify(attrs map[string]any) (model.EventType, bool) {
	if stringAttr(attrs, semconv.AgentName) != "" {
		return model.TypeAgent, true
	}
	if typ, ok := operationTypes[stringAttr(attrs, semconv.OperationName)]; ok {
		return typ, true
	}
	if semconv.HasGenAI(attrs) {
		return model.TypeLLM, true
	}
	return "", false
}

// SpanToEvents converts one span to zero, one or two events. Resource
// attributes fill in keys the span does not set.
func (t *Translator) SpanToEvents(ctx context.Context, span *tracepb.Span, resAttrs map[string]any) []model.Event {
	attrs := mergeResource(Attributes(span.GetAttributes()), resAttrs)

	typ, ok := classify(attrs)
	if !ok {
		return nil
	}

	spanHex := hexID(span.GetSpanId())
	runID := model.EnsureUUID(spanHex)
	if runID == "" {
		runID = model.UUIDFromSeed(fmt.Sprintf("%s:%s:%d", hexID(span.GetTraceId()), span.GetName(), span.GetStartTimeUnixNano()))
	}
	parentRunID := model.EnsureUUID(hexID(span.GetParentSpanId()))

	input, output := t.spanContent(ctx, span, attrs, typ, spanHex)

	base := func(kind model.EventKind, ns uint64) model.Event {
		e := model.Event{
			Kind:        kind,
			Type:        typ,
			RunID:       runID,
			ParentRunID: parentRunID,
			Timestamp:   nanosToTime(ns),
		}
		if ns == 0 {
			e.Timestamp = t.now().UTC()
		}
		semconv.Map(attrs, &e)
		switch {
		case typ == model.TypeAgent && stringAttr(attrs, semconv.AgentName) != "":
			e.Name = stringAttr(attrs, semconv.AgentName)
		case typ == model.TypeTool && stringAttr(attrs, semconv.ToolName) != "":
			e.Name = stringAttr(attrs, semconv.ToolName)
		}
		if e.Name == "" {
			e.Name = span.GetName()
		}
		return e
	}

	start, end := span.GetStartTimeUnixNano(), span.GetEndTimeUnixNano()
	if start == 0 || end == 0 || end < start {
		e := base(model.KindComplete, start)
		e.Input, e.Output = input, output
		applyStatus(&e, span.GetStatus())
		return []model.Event{e}
	}

	startEv := base(model.KindStart, start)
	startEv.Input = input

	endEv := base(model.KindEnd, end)
	endEv.Output = output
	endEv.SetMetadata("duration_ms", float64(end-start)/1e6)
	applyStatus(&endEv, span.GetStatus())

	return []model.Event{startEv, endEv}
}

func applyStatus(e *model.Event, st *tracepb.Status) {
	if st.GetCode() != tracepb.Status_STATUS_CODE_ERROR {
		return
	}
	e.Level = model.LevelError
	if e.Error == nil {
		e.Error = &model.EventError{}
	}
	e.Error.Code = int(st.GetCode())
	if msg := st.GetMessage(); msg != "" {
		e.Error.Message = msg
	}
}

// spanContent resolves input and output using the first source that has
// content for each side, then falls back to the defaults for the type.
// The span's cached log content is always claimed so the entry is freed.
func (t *Translator) spanContent(ctx context.Context, span *tracepb.Span, attrs map[string]any, typ model.EventType, spanHex string) (any, any) {
	var input, output any

	if v, ok := attrs[semconv.FinalResult]; ok && v != nil {
		output = v
	}

	if all, ok := attrs[semconv.AllMessagesEvents].([]any); ok {
		in, out := splitByRole(messagesFromAny(all))
		input = firstNonNil(input, collapse(in))
		output = firstNonNil(output, collapse(out))
	}

	if typ == model.TypeTool {
		if v, ok := attrs[semconv.ToolArguments]; ok {
			input = firstNonNil(input, v)
		}
		if v, ok := attrs[semconv.ToolOutput]; ok {
			output = firstNonNil(output, v)
		}
	}

	msgs := eventMessages(span.GetEvents())
	if len(msgs) == 0 {
		msgs = indexedMessages(attrs)
	}

	var cached []model.ChatMessage
	if spanHex != "" && t.cache != nil {
		var err error
		cached, err = t.cache.Claim(ctx, spanHex)
		if err != nil && t.logger != nil {
			t.logger.Warn("otlp: claim cached content failed", "span_id", spanHex, "error", err)
		}
	}
	if len(msgs) == 0 {
		msgs = cached
	}

	in, out := splitByRole(msgs)
	input = firstNonNil(input, collapse(in))
	output = firstNonNil(output, collapse(out))

	if input == nil {
		input = defaultInput(typ)
	}
	if output == nil {
		output = defaultOutput(typ)
	}
	return input, output
}

// eventMessages reads content from span events.
func eventMessages(events []*tracepb.Span_Event) []model.ChatMessage {
	var msgs []model.ChatMessage
	for _, ev := range events {
		attrs := Attributes(ev.GetAttributes())
		name := ev.GetName()
		switch {
		case name == semconv.ContentPrompt:
			if c := attrs[semconv.PromptContent]; c != nil && c != "" {
				msgs = append(msgs, model.ChatMessage{Role: "user", Content: c})
			}
		case name == semconv.ContentComplete:
			if c := attrs[semconv.CompletionText]; c != nil && c != "" {
				msgs = append(msgs, model.ChatMessage{Role: "assistant", Content: c})
			}
		case strings.HasPrefix(name, semconv.Namespace) && strings.HasSuffix(name, ".message"):
			role := strings.TrimSuffix(strings.TrimPrefix(name, semconv.Namespace), ".message")
			c := attrs[semconv.MessageContent]
			if s, ok := c.(string); ok {
				c = parseJSON(s)
			}
			if c != nil && c != "" {
				msgs = append(msgs, model.ChatMessage{Role: role, Content: c})
			}
		}
	}
	return msgs
}

// indexedMessages reads gen_ai.prompt.N.* and gen_ai.completion.N.*
// attributes, ordered by N. Both the flat and the .message. nested
// layouts are accepted.
func indexedMessages(attrs map[string]any) []model.ChatMessage {
	var msgs []model.ChatMessage
	for _, p := range []struct {
		prefix      string
		defaultRole string
	}{
		{"gen_ai.prompt.", "user"},
		{"gen_ai.completion.", "assistant"},
	} {
		byIndex := map[int]*model.ChatMessage{}
		for k, v := range attrs {
			if !strings.HasPrefix(k, p.prefix) {
				continue
			}
			rest := k[len(p.prefix):]
			idxStr, field, ok := strings.Cut(rest, ".")
			if !ok {
				continue
			}
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				continue
			}
			field = strings.TrimPrefix(field, "message.")
			m := byIndex[idx]
			if m == nil {
				m = &model.ChatMessage{}
				byIndex[idx] = m
			}
			switch field {
			case "role":
				m.Role, _ = v.(string)
			case "content":
				m.Content = v
			}
		}
		idxs := make([]int, 0, len(byIndex))
		for i := range byIndex {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		for _, i := range idxs {
			m := byIndex[i]
			if m.Content == nil {
				continue
			}
			if m.Role == "" {
				m.Role = p.defaultRole
			}
			msgs = append(msgs, *m)
		}
	}
	return msgs
}

// messagesFromAny reads role/content pairs from a decoded framework
// message list. Entries without a role are skipped.
func messagesFromAny(list []any) []model.ChatMessage {
	msgs := make([]model.ChatMessage, 0, len(list))
	for _, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		if role == "" {
			continue
		}
		msgs = append(msgs, model.ChatMessage{Role: role, Content: m["content"]})
	}
	return msgs
}

func isInputRole(role string) bool  { return role == "user" || role == "system" }
func isOutputRole(role string) bool { return role == "assistant" || role == "tool" }

func splitByRole(msgs []model.ChatMessage) (in, out []model.ChatMessage) {
	for _, m := range msgs {
		switch {
		case isInputRole(m.Role):
			in = append(in, m)
		case isOutputRole(m.Role):
			out = append(out, m)
		}
	}
	return in, out
}

// collapse renders messages as event content: a lone string message
// becomes its text, anything else a list of {role, content}.
func collapse(msgs []model.ChatMessage) any {
	if len(msgs) == 0 {
		return nil
	}
	if len(msgs) == 1 {
		if s, ok := msgs[0].Content.(string); ok {
			return s
		}
	}
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	return out
}

func firstNonNil(a, b any) any {
	if a != nil {
		return a
	}
	return b
}

func defaultInput(typ model.EventType) any {
	switch typ {
	case model.TypeLLM:
		return []any{}
	default:
		return map[string]any{}
	}
}

func defaultOutput(typ model.EventType) any {
	switch typ {
	case model.TypeLLM:
		return []any{}
	case model.TypeTool:
		return ""
	default:
		return map[string]any{}
	}
}
