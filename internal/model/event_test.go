package model_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestParseEvent_SnakeCaseKeys(t *testing.T) {
	raw := json.RawMessage(`{
		"event": "end",
		"type": "llm",
		"run_id": "run-1",
		"parent_run_id": "parent-1",
		"timestamp": 1700000000000,
		"tokens_usage": {"prompt": 12, "completion": 3, "prompt_cached": 2},
		"output": {"some_key": "kept"}
	}`)

	e, err := model.ParseEvent(raw)
	require.NoError(t, err)

	assert.Equal(t, model.KindEnd, e.Kind)
	assert.Equal(t, model.TypeLLM, e.Type)
	assert.Equal(t, "run-1", e.RunID)
	assert.Equal(t, "parent-1", e.ParentRunID)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), e.Timestamp)
	require.NotNil(t, e.TokensUsage)
	assert.Equal(t, 12, *e.TokensUsage.Prompt)
	assert.Equal(t, 3, *e.TokensUsage.Completion)
	assert.Equal(t, 2, *e.TokensUsage.PromptCached)

	// Payload keys are not rewritten.
	out, ok := e.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "kept", out["some_key"])
}

func TestParseEvent_LooseShapes(t *testing.T) {
	raw := json.RawMessage(`{
		"event": "start",
		"type": "llm",
		"runId": 42,
		"userId": 7,
		"timestamp": "2024-03-01T10:00:00.123Z",
		"tags": "one"
	}`)

	e, err := model.ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "42", e.RunID)
	assert.Equal(t, "7", e.UserID)
	assert.Equal(t, []string{"one"}, e.Tags)
	assert.Equal(t, 2024, e.Timestamp.Year())
	assert.Equal(t, 123*time.Millisecond, time.Duration(e.Timestamp.Nanosecond()))
}

func TestParseEvent_BadTimestamp(t *testing.T) {
	_, err := model.ParseEvent(json.RawMessage(`{"event":"start","type":"llm","timestamp":"yesterday"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidEvent))
}

func TestParseEvent_NotAnObject(t *testing.T) {
	_, err := model.ParseEvent(json.RawMessage(`"hello"`))
	require.ErrorIs(t, err, model.ErrInvalidEvent)
}

func TestPeekRunID(t *testing.T) {
	assert.Equal(t, "abc", model.PeekRunID(json.RawMessage(`{"runId":"abc"}`)))
	assert.Equal(t, "def", model.PeekRunID(json.RawMessage(`{"run_id":"def","timestamp":"garbage"}`)))
	assert.Equal(t, "", model.PeekRunID(json.RawMessage(`[1,2]`)))
}

func TestDecodeBatch(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"envelope array", `{"events":[{"event":"start"},{"event":"end"}]}`, 2},
		{"envelope single", `{"events":{"event":"start"}}`, 1},
		{"bare array", `[{"event":"start"},{"event":"end"},{"event":"error"}]`, 3},
		{"bare event", `{"event":"start","type":"llm"}`, 1},
		{"nested singleton", `[[{"event":"start"}],{"event":"end"}]`, 2},
		{"empty array", `[]`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raws, err := model.DecodeBatch([]byte(tc.body))
			require.NoError(t, err)
			assert.Len(t, raws, tc.want)
		})
	}
}

func TestDecodeBatch_NestedSingletonUnwrapped(t *testing.T) {
	raws, err := model.DecodeBatch([]byte(`[[{"event":"start","runId":"x"}]]`))
	require.NoError(t, err)
	require.Len(t, raws, 1)
	assert.Equal(t, "x", model.PeekRunID(raws[0]))
}

func TestDecodeBatch_Malformed(t *testing.T) {
	for _, body := range []string{``, `   `, `{"events":`, `[1,`} {
		_, err := model.DecodeBatch([]byte(body))
		assert.Error(t, err, "body %q", body)
	}
}

func TestTokensUsageComplete(t *testing.T) {
	var nilUsage *model.TokensUsage
	assert.False(t, nilUsage.Complete())
	assert.False(t, (&model.TokensUsage{Prompt: ptr(10)}).Complete())
	assert.False(t, (&model.TokensUsage{Prompt: ptr(10), Completion: ptr(0)}).Complete())
	assert.True(t, (&model.TokensUsage{Prompt: ptr(10), Completion: ptr(5)}).Complete())
}

func TestEventKindIsTerminal(t *testing.T) {
	assert.True(t, model.KindEnd.IsTerminal())
	assert.True(t, model.KindError.IsTerminal())
	assert.False(t, model.KindStart.IsTerminal())
	assert.False(t, model.KindFeedback.IsTerminal())
}

func TestSetMetadataAndParam(t *testing.T) {
	var e model.Event
	e.SetMetadata("k", "v")
	e.SetParam("temperature", 0.2)
	assert.Equal(t, "v", e.Metadata["k"])
	assert.Equal(t, 0.2, e.Params["temperature"])
}
