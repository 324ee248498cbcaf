package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidEvent is returned when an event lacks the fields its kind requires.
var ErrInvalidEvent = errors.New("model: invalid event")

// EventKind is the lifecycle occurrence an event describes.
type EventKind string

const (
	KindStart    EventKind = "start"
	KindEnd      EventKind = "end"
	KindError    EventKind = "error"
	KindFeedback EventKind = "feedback"
	KindStream   EventKind = "stream"
	KindComplete EventKind = "complete"
	KindChat     EventKind = "chat"
	KindLog      EventKind = "log"
)

// IsTerminal reports whether the kind closes a run.
func (k EventKind) IsTerminal() bool {
	return k == KindEnd || k == KindError
}

// EventType is the domain category of the run an event belongs to.
type EventType string

const (
	TypeLLM     EventType = "llm"
	TypeTool    EventType = "tool"
	TypeAgent   EventType = "agent"
	TypeEmbed   EventType = "embed"
	TypeChat    EventType = "chat"
	TypeLog     EventType = "log"
	TypeMessage EventType = "message"

	// Accepted from native SDKs and persisted as-is.
	TypeChain     EventType = "chain"
	TypeRetriever EventType = "retriever"
	TypeThread    EventType = "thread"
	TypeConvo     EventType = "convo"
)

// LevelError marks an event produced by a failed operation.
const LevelError = "error"

// TokensUsage holds token counts reported by (or computed for) an LLM call.
type TokensUsage struct {
	Prompt       *int `json:"prompt,omitempty"`
	Completion   *int `json:"completion,omitempty"`
	PromptCached *int `json:"promptCached,omitempty"`
}

// Complete reports whether both prompt and completion counts are known and non-zero.
func (u *TokensUsage) Complete() bool {
	return u != nil && u.Prompt != nil && *u.Prompt > 0 && u.Completion != nil && *u.Completion > 0
}

// EventError describes a failure attached to an event.
// Code is whatever the producer sent: a string error type or a numeric status.
type EventError struct {
	Code    any    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Event is the canonical, transient record every producer emits into.
// It is never persisted as-is; the registrar folds it into runs.
type Event struct {
	Kind        EventKind      `json:"event"`
	Type        EventType      `json:"type"`
	RunID       string         `json:"runId,omitempty"`
	ParentRunID string         `json:"parentRunId,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Level       string         `json:"level,omitempty"`
	Name        string         `json:"name,omitempty"`
	Input       any            `json:"input,omitempty"`
	Output      any            `json:"output,omitempty"`
	Message     any            `json:"message,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	TokensUsage *TokensUsage   `json:"tokensUsage,omitempty"`
	Error       *EventError    `json:"error,omitempty"`
	Feedback    map[string]any `json:"feedback,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	TemplateID  string         `json:"templateId,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	UserProps   map[string]any `json:"userProps,omitempty"`
	Runtime     string         `json:"runtime,omitempty"`
	ThreadTags  []string       `json:"threadTags,omitempty"`
}

// SetMetadata stores key in the event's metadata, allocating the map if needed.
func (e *Event) SetMetadata(key string, v any) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = v
}

// SetParam stores key in the event's params, allocating the map if needed.
func (e *Event) SetParam(key string, v any) {
	if e.Params == nil {
		e.Params = make(map[string]any)
	}
	e.Params[key] = v
}

// UnmarshalJSON accepts the loose shapes native SDKs send: timestamps as
// RFC 3339 strings or epoch milliseconds, tags as a string or an array,
// and user ids as strings or numbers.
func (e *Event) UnmarshalJSON(b []byte) error {
	type alias Event
	aux := struct {
		*alias
		Timestamp  any `json:"timestamp"`
		Tags       any `json:"tags"`
		ThreadTags any `json:"threadTags"`
		UserID     any `json:"userId"`
		RunID      any `json:"runId"`
		ParentID   any `json:"parentRunId"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	ts, err := parseTimestamp(aux.Timestamp)
	if err != nil {
		return err
	}
	e.Timestamp = ts
	e.Tags = stringList(aux.Tags)
	e.ThreadTags = stringList(aux.ThreadTags)
	e.UserID = scalarString(aux.UserID)
	e.RunID = scalarString(aux.RunID)
	e.ParentRunID = scalarString(aux.ParentID)
	return nil
}

func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999Z07:00"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrInvalidEvent, t)
	default:
		return time.Time{}, fmt.Errorf("%w: timestamp must be a string or number", ErrInvalidEvent)
	}
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, el := range t {
			if s := scalarString(el); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// IngestResult is the per-event outcome reported back to the producer.
type IngestResult struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
