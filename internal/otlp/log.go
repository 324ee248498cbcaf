package otlp

import (
	"context"
	"fmt"
	"strings"

	logspb "go.opentelemetry.io/proto/otlp/logs/v1"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/semconv"
)

const (
	logToolMessage = "gen_ai.tool.message"
	logChoice      = "gen_ai.choice"
)

var roleMessages = map[string]string{
	"gen_ai.system.message":    "system",
	"gen_ai.user.message":      "user",
	"gen_ai.assistant.message": "assistant",
}

// LogToEvents converts one log record. Records outside the gen_ai event
// namespace, and records with no timestamp at all, yield nothing.
func (t *Translator) LogToEvents(ctx context.Context, rec *logspb.LogRecord, resAttrs map[string]any) []model.Event {
	attrs := mergeResource(Attributes(rec.GetAttributes()), resAttrs)

	ns := rec.GetTimeUnixNano()
	if ns == 0 {
		ns = rec.GetObservedTimeUnixNano()
	}
	if ns == 0 {
		return nil
	}
	ts := nanosToTime(ns)

	name := rec.GetEventName()
	if name == "" {
		name = stringAttr(attrs, semconv.EventName)
	}
	if !strings.HasPrefix(name, semconv.Namespace) {
		return nil
	}
	delete(attrs, semconv.EventName)

	body := Value(rec.GetBody())
	if s, ok := body.(string); ok {
		body = parseJSON(s)
	}

	spanHex := hexID(rec.GetSpanId())
	spanRun := model.EnsureUUID(spanHex)
	seeded := func(parts ...any) string {
		return model.UUIDFromSeed(fmt.Sprint(append([]any{hexID(rec.GetTraceId()), spanHex, name, ns}, parts...)...))
	}
	orSeed := func(id string) string {
		if id != "" {
			return id
		}
		return seeded()
	}

	var e model.Event
	switch {
	case name == logToolMessage:
		callID := stringAttr(attrs, semconv.ToolCallID)
		if callID == "" {
			callID = spanHex
		}
		e = model.Event{
			Kind:        model.KindComplete,
			Type:        model.TypeTool,
			RunID:       orSeed(model.EnsureUUID(callID)),
			ParentRunID: spanRun,
			Timestamp:   ts,
			Input:       map[string]any{},
			Output:      body,
		}
		semconv.Map(attrs, &e)
		e.Name = stringAttr(attrs, semconv.ToolName)
		if e.Output == nil {
			e.Output = ""
		}

	case name == logChoice:
		e = model.Event{
			Kind:      model.KindStream,
			Type:      model.TypeLLM,
			RunID:     orSeed(spanRun),
			Timestamp: ts,
			Output:    body,
		}
		semconv.Map(attrs, &e)
		if reason := stringAttr(attrs, semconv.ChoiceFinish); reason != "" {
			e.Kind = model.KindEnd
			e.SetMetadata("finishReasons", []any{reason})
		}

	case roleMessages[name] != "":
		role := roleMessages[name]
		content := messageContent(body)
		if spanHex != "" && t.cache != nil {
			if err := t.cache.Append(ctx, spanHex, model.ChatMessage{Role: role, Content: content}); err != nil && t.logger != nil {
				t.logger.Warn("otlp: cache message content failed", "span_id", spanHex, "error", err)
			}
		}
		e = model.Event{
			Kind:      model.KindComplete,
			Type:      model.TypeMessage,
			RunID:     orSeed(spanRun),
			Timestamp: ts,
			Message:   map[string]any{"role": role, "content": content},
		}
		semconv.Map(attrs, &e)

	default:
		level := strings.ToLower(rec.GetSeverityText())
		if level == "" {
			level = name[strings.LastIndex(name, ".")+1:]
		}
		e = model.Event{
			Kind:        model.KindLog,
			Type:        model.TypeLog,
			RunID:       seeded(),
			ParentRunID: spanRun,
			Timestamp:   ts,
			Message:     body,
			Level:       level,
		}
		semconv.Map(attrs, &e)
		e.SetMetadata("level", level)
	}

	return []model.Event{e}
}

// messageContent unwraps the {"content": ...} body shape the semantic
// conventions define for message events.
func messageContent(body any) any {
	if m, ok := body.(map[string]any); ok {
		if c, ok := m["content"]; ok {
			return c
		}
	}
	return body
}
