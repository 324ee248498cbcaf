// Package semconv maps OpenTelemetry gen-AI semantic-convention attributes
// onto canonical event fields.
//
// The mapping is a single ordered rule table. Each attribute key is matched
// against the rules in order and the first match applies; keys that match
// nothing land in metadata verbatim.
package semconv

import (
	"sort"
	"strconv"
	"strings"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/truncate"
)

// Attribute keys the translator reads directly.
const (
	OperationName   = "gen_ai.operation.name"
	RequestModel    = "gen_ai.request.model"
	ToolName        = "gen_ai.tool.name"
	ToolCallID      = "gen_ai.tool.call.id"
	MessageContent  = "gen_ai.message.content"
	PromptContent   = "gen_ai.prompt"
	CompletionText  = "gen_ai.completion"
	ChoiceFinish    = "gen_ai.choice.finish_reason"
	EventName       = "event.name"
	ProjectKey      = "kiroku.project_key"
	Namespace       = "gen_ai."
	ContentPrompt   = "gen_ai.content.prompt"
	ContentComplete = "gen_ai.content.completion"
)

// Framework attributes carrying structured content. Their string values
// hold JSON and are decoded by the translator.
const (
	AgentName         = "agent_name"
	FinalResult       = "final_result"
	AllMessagesEvents = "all_messages_events"
	ToolArguments     = "tool_arguments"
	ToolOutput        = "tool_output"
	FrameworkEvents   = "events"
)

// BinaryThreshold is the string length above which an unrecognized value
// is treated as opaque binary and dropped.
const BinaryThreshold = truncate.MaxValueChars

// Rule maps one attribute key, or every key under a prefix, onto an event.
// For prefix rules sub is the remainder of the key after Key.
//
// Skip rules consume the key without writing anything. Outcome rules
// describe how an operation finished and are ignored on start events.
type Rule struct {
	Key     string
	Prefix  bool
	Skip    bool
	Outcome bool
	Apply   func(e *model.Event, sub string, v any)
}

func (r Rule) match(key string) (string, bool) {
	if r.Prefix {
		if strings.HasPrefix(key, r.Key) {
			return key[len(r.Key):], true
		}
		return "", false
	}
	return "", key == r.Key
}

// Rules is the mapping table, evaluated first-match-wins.
var Rules = []Rule{
	{Key: "gen_ai.request.", Prefix: true, Apply: applyRequest},
	{Key: "gen_ai.response.", Prefix: true, Apply: applyResponse},
	{Key: "gen_ai.usage.", Prefix: true, Outcome: true, Apply: applyUsage},

	{Key: "error.type", Outcome: true, Apply: func(e *model.Event, _ string, v any) {
		errorOf(e).Code = v
		e.Level = model.LevelError
	}},
	{Key: "error.message", Outcome: true, Apply: func(e *model.Event, _ string, v any) {
		errorOf(e).Message = stringify(v)
		e.Level = model.LevelError
	}},
	{Key: "error.stack", Outcome: true, Apply: func(e *model.Event, _ string, v any) {
		errorOf(e).Stack = stringify(v)
	}},

	metadataRule("gen_ai.system", "system"),
	metadataRule("gen_ai.conversation.id", "conversationId"),
	metadataRule(ToolCallID, "toolCallId"),
	metadataRule(ToolName, "toolName"),
	metadataRule("gen_ai.tool.description", "toolDescription"),
	metadataRule("gen_ai.tool.type", "toolType"),
	metadataRule(ProjectKey, "project_key"),

	skipRule(OperationName),
	{Key: "gen_ai.prompt.", Prefix: true, Skip: true},
	{Key: "gen_ai.completion.", Prefix: true, Skip: true},
	skipRule(FinalResult),
	skipRule(AllMessagesEvents),
	skipRule(ToolArguments),
	skipRule(ToolOutput),
}

// Map applies the rule table to every attribute in attrs, in sorted key
// order, writing onto e. A value shortened on the way in flags the event
// with metadata.truncated.
func Map(attrs map[string]any, e *model.Event) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	truncated := false
	for _, k := range keys {
		raw := attrs[k]
		if r, sub, ok := match(k); ok {
			if r.Skip || (r.Outcome && e.Kind == model.KindStart) {
				continue
			}
			v, cut := truncate.Bound(raw)
			r.Apply(e, sub, v)
			truncated = truncated || cut
			continue
		}
		if IsBinary(raw) {
			continue
		}
		v, cut := truncate.Bound(raw)
		e.SetMetadata(k, v)
		truncated = truncated || cut
	}
	if truncated {
		e.SetMetadata("truncated", true)
	}
}

func match(key string) (Rule, string, bool) {
	for _, r := range Rules {
		if sub, ok := r.match(key); ok {
			return r, sub, true
		}
	}
	return Rule{}, "", false
}

// IsBinary reports whether v looks like opaque binary content: a data URL
// or a string longer than BinaryThreshold.
func IsBinary(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	if strings.HasPrefix(s, "data:") {
		return true
	}
	return len(s) > BinaryThreshold
}

// HasGenAI reports whether any key in attrs is under the gen_ai namespace.
func HasGenAI(attrs map[string]any) bool {
	for k := range attrs {
		if strings.HasPrefix(k, Namespace) {
			return true
		}
	}
	return false
}

// StripModelPrefix removes a provider path prefix such as "models/".
func StripModelPrefix(name string) string {
	return strings.Replace(name, "models/", "", 1)
}

func applyRequest(e *model.Event, sub string, v any) {
	switch sub {
	case "model":
		name := stringify(v)
		e.Name = StripModelPrefix(name)
		e.SetParam("model", name)
	case "stop_sequences":
		e.SetParam("stop", v)
	case "encoding_formats":
		e.SetParam("encodingFormats", v)
	default:
		e.SetParam(model.ToCamel(sub), v)
	}
}

func applyResponse(e *model.Event, sub string, v any) {
	switch sub {
	case "model":
		e.SetMetadata("modelResponse", v)
		if e.Name == "" {
			e.Name = StripModelPrefix(stringify(v))
		}
	case "finish_reasons":
		e.SetMetadata("finishReasons", v)
	case "id":
		e.SetMetadata("responseId", v)
	default:
		e.SetMetadata(sub, v)
	}
}

func applyUsage(e *model.Event, sub string, v any) {
	n, ok := ToInt(v)
	switch sub {
	case "input_tokens", "prompt_tokens":
		if ok {
			usageOf(e).Prompt = &n
			return
		}
	case "output_tokens", "completion_tokens":
		if ok {
			usageOf(e).Completion = &n
			return
		}
	case "prompt_tokens_cached":
		if ok {
			usageOf(e).PromptCached = &n
			return
		}
	}
	e.SetMetadata(sub, v)
}

func metadataRule(key, field string) Rule {
	return Rule{Key: key, Apply: func(e *model.Event, _ string, v any) {
		e.SetMetadata(field, v)
	}}
}

func skipRule(key string) Rule {
	return Rule{Key: key, Skip: true}
}

func errorOf(e *model.Event) *model.EventError {
	if e.Error == nil {
		e.Error = &model.EventError{}
	}
	return e.Error
}

func usageOf(e *model.Event) *model.TokensUsage {
	if e.TokensUsage == nil {
		e.TokensUsage = &model.TokensUsage{}
	}
	return e.TokensUsage
}

// ToInt converts the numeric shapes attributes arrive in.
func ToInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case int32:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
