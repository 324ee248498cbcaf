package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/ingest"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/testutil"
)

func TestMissingParentRetriesThenDropsLink(t *testing.T) {
	store := newFakeStore()
	sleeper := &sleepRecorder{}
	svc := newService(t, store, sleeper)
	runID, parent := uuid.New(), uuid.New()

	res := svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: model.KindStart, Type: model.TypeLLM, RunID: runID.String(), ParentRunID: parent.String(), Timestamp: t0},
	})

	require.True(t, res.Results[0].Success, res.Results[0].Error)
	assert.Equal(t, 1, sleeper.count(), "exactly one bounded wait")
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.calls)

	run := store.run(runID)
	require.NotNil(t, run)
	assert.Nil(t, run.ParentRunID)
	assert.Equal(t, model.RunStatusStarted, run.Status)
}

func TestMissingParentAppearsDuringWait(t *testing.T) {
	store := newFakeStore()
	parent := uuid.New()
	uid := int64(42)
	store.onLookup = func(attempt int) {
		if attempt == 2 {
			_ = store.InsertRun(context.Background(), model.Run{ID: parent, Type: model.TypeAgent, ExternalUserID: &uid})
		}
	}
	sleeper := &sleepRecorder{}
	svc := newService(t, store, sleeper)
	runID := uuid.New()

	res := svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: model.KindStart, Type: model.TypeTool, RunID: runID.String(), ParentRunID: parent.String(), Timestamp: t0},
	})

	require.True(t, res.Results[0].Success)
	assert.Equal(t, 1, sleeper.count())
	run := store.run(runID)
	require.NotNil(t, run.ParentRunID)
	assert.Equal(t, parent, *run.ParentRunID)
	require.NotNil(t, run.ExternalUserID)
	assert.Equal(t, uid, *run.ExternalUserID)
}

func TestRetryPolicyZeroAttemptsNeverWaits(t *testing.T) {
	store := newFakeStore()
	sleeper := &sleepRecorder{}
	reg := ingest.NewRegistrar(ingest.RegistrarConfig{
		Store: store, ChatStore: store, Sleep: sleeper.Sleep, Logger: testutil.TestLogger(),
	})
	runID := uuid.New()

	err := reg.Register(context.Background(), testProject, model.Event{
		Kind: model.KindStart, Type: model.TypeLLM, RunID: runID.String(), ParentRunID: uuid.NewString(), Timestamp: t0,
	}, ingest.NewInsertedSet())
	require.NoError(t, err)
	assert.Zero(t, sleeper.count())
}

func TestFeedbackMergesAcrossEvents(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &sleepRecorder{})
	runID := uuid.New()

	svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: model.KindStart, Type: model.TypeLLM, RunID: runID.String(), Timestamp: t0},
		{Kind: model.KindFeedback, Type: model.TypeLLM, RunID: runID.String(), Timestamp: t0.Add(time.Second), Feedback: map[string]any{"thumb": "up"}},
	})
	res := svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: model.KindFeedback, Type: model.TypeLLM, RunID: runID.String(), Timestamp: t0.Add(time.Minute), Feedback: map[string]any{"comment": "nice"}},
	})

	require.True(t, res.Results[0].Success)
	assert.Equal(t, map[string]any{"thumb": "up", "comment": "nice"}, store.run(runID).Feedback)
}

func TestFeedbackNullClearsKeyAndLegacyExtraMerges(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &sleepRecorder{})
	runID := uuid.New()
	_ = store.InsertRun(context.Background(), model.Run{ID: runID, Feedback: map[string]any{"thumb": "up", "flag": true}})

	res := svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: model.KindFeedback, Type: model.TypeLLM, RunID: runID.String(), Timestamp: t0,
			Feedback: map[string]any{"thumb": nil}, Extra: map[string]any{"rating": 5.0}},
	})

	require.True(t, res.Results[0].Success)
	assert.Equal(t, map[string]any{"flag": true, "rating": 5.0}, store.run(runID).Feedback)
}

func TestFeedbackOnMissingRunFails(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &sleepRecorder{})

	res := svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: model.KindFeedback, Type: model.TypeLLM, RunID: uuid.NewString(), Timestamp: t0, Feedback: map[string]any{"thumb": "down"}},
	})
	assert.False(t, res.Results[0].Success)
	assert.Equal(t, "run not found", res.Results[0].Error)
}

func TestTerminalEventOnAbsentRunIsNoOp(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &sleepRecorder{})
	missing := uuid.New()

	res := svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: model.KindEnd, Type: model.TypeTool, RunID: missing.String(), Timestamp: t0, Output: "x"},
		{Kind: model.KindError, Type: model.TypeTool, RunID: missing.String(), Timestamp: t0, Error: &model.EventError{Message: "boom"}},
		{Kind: model.KindEnd, Type: model.TypeLLM, RunID: uuid.NewString(), Timestamp: t0},
	})

	for _, r := range res.Results {
		assert.True(t, r.Success)
	}
	assert.Nil(t, store.run(missing))
}

func TestErrorEventMarksRunFailed(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &sleepRecorder{})
	runID := uuid.New()

	svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: model.KindStart, Type: model.TypeTool, RunID: runID.String(), Timestamp: t0},
		{Kind: model.KindError, Type: model.TypeTool, RunID: runID.String(), Timestamp: t0.Add(time.Second),
			Error: &model.EventError{Message: "timeout", Stack: "at main"}},
	})

	run := store.run(runID)
	assert.Equal(t, model.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "timeout", run.Error.Message)
}

func TestEndAtErrorLevelMarksRunFailed(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &sleepRecorder{})
	llm, tool := uuid.New(), uuid.New()
	prompt, completion := 10, 0

	res := svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: model.KindStart, Type: model.TypeLLM, RunID: llm.String(), Name: "gpt-4o", Timestamp: t0, Input: "hi"},
		{Kind: model.KindStart, Type: model.TypeTool, RunID: tool.String(), Timestamp: t0},
		{Kind: model.KindEnd, Type: model.TypeLLM, RunID: llm.String(), Timestamp: t0.Add(time.Second), Level: model.LevelError,
			Error:       &model.EventError{Message: "rate limited"},
			TokensUsage: &model.TokensUsage{Prompt: &prompt, Completion: &completion}},
		{Kind: model.KindEnd, Type: model.TypeTool, RunID: tool.String(), Timestamp: t0.Add(time.Second), Level: model.LevelError},
	})

	for _, r := range res.Results {
		require.True(t, r.Success, r.Error)
	}
	run := store.run(llm)
	assert.Equal(t, model.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "rate limited", run.Error.Message)
	require.NotNil(t, run.PromptTokens)
	assert.Equal(t, 10, *run.PromptTokens)
	assert.Equal(t, model.RunStatusError, store.run(tool).Status)
}

func TestTerminalEventsIgnoredOnceRunEnded(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &sleepRecorder{})
	failed, done, completed := uuid.New(), uuid.New(), uuid.New()

	svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: model.KindStart, Type: model.TypeTool, RunID: failed.String(), Timestamp: t0},
		{Kind: model.KindError, Type: model.TypeTool, RunID: failed.String(), Timestamp: t0.Add(time.Second),
			Error: &model.EventError{Message: "boom"}},
		{Kind: model.KindStart, Type: model.TypeTool, RunID: done.String(), Timestamp: t0},
		{Kind: model.KindEnd, Type: model.TypeTool, RunID: done.String(), Timestamp: t0.Add(time.Second), Output: "first"},
		{Kind: model.KindComplete, Type: model.TypeTool, RunID: completed.String(), Timestamp: t0, Output: "first"},
	})
	res := svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: model.KindEnd, Type: model.TypeTool, RunID: failed.String(), Timestamp: t0.Add(2 * time.Second), Output: "late"},
		{Kind: model.KindError, Type: model.TypeTool, RunID: done.String(), Timestamp: t0.Add(2 * time.Second),
			Error: &model.EventError{Message: "late"}},
		{Kind: model.KindComplete, Type: model.TypeTool, RunID: completed.String(), Timestamp: t0.Add(time.Second),
			Level: model.LevelError, Output: "second"},
	})

	for _, r := range res.Results {
		assert.True(t, r.Success, r.Error)
	}
	run := store.run(failed)
	assert.Equal(t, model.RunStatusError, run.Status)
	assert.Nil(t, run.Output)
	assert.Equal(t, "boom", run.Error.Message)
	assert.True(t, run.EndedAt.Equal(t0.Add(time.Second)))

	run = store.run(done)
	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.Nil(t, run.Error)
	assert.Equal(t, "first", run.Output)

	run = store.run(completed)
	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.Equal(t, "first", run.Output)
}

func TestEndCompletesUsageAndCost(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &sleepRecorder{})
	runID := uuid.New()

	res := svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: model.KindStart, Type: model.TypeLLM, RunID: runID.String(), Name: "gpt-4", Timestamp: t0,
			Input: []any{map[string]any{"role": "user", "content": "two words"}}},
		{Kind: model.KindEnd, Type: model.TypeLLM, RunID: runID.String(), Timestamp: t0.Add(time.Second),
			Output: map[string]any{"role": "assistant", "text": "three short words"}},
	})
	require.True(t, res.Results[1].Success, res.Results[1].Error)

	run := store.run(runID)
	// 3 per message + "user" (1) + role key (1) + "two words" (2) + 3 primer.
	require.NotNil(t, run.PromptTokens)
	assert.Equal(t, 10, *run.PromptTokens)
	require.NotNil(t, run.CompletionTokens)
	assert.Equal(t, 3, *run.CompletionTokens)
	require.NotNil(t, run.Cost)
	assert.InDelta(t, (0.03*10+0.06*3)/1000, *run.Cost, 1e-12)
}

func TestEndKeepsReportedUsage(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &sleepRecorder{})
	runID := uuid.New()

	svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: model.KindStart, Type: model.TypeLLM, RunID: runID.String(), Name: "gpt-4-turbo", Timestamp: t0, Input: "Explain X"},
		{Kind: model.KindEnd, Type: model.TypeLLM, RunID: runID.String(), Timestamp: t0.Add(time.Second), Output: "Answer Y",
			TokensUsage: &model.TokensUsage{Prompt: ptr(150), Completion: ptr(250)}},
	})

	run := store.run(runID)
	assert.Equal(t, 150, *run.PromptTokens)
	assert.Equal(t, 250, *run.CompletionTokens)
	require.NotNil(t, run.Cost)
	assert.InDelta(t, (0.01*150+0.03*250)/1000, *run.Cost, 1e-12)
}

func TestEndOfCachedCallIsNotPriced(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &sleepRecorder{})
	runID := uuid.New()

	svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: model.KindStart, Type: model.TypeLLM, RunID: runID.String(), Name: "gpt-4", Timestamp: t0, Input: "hi"},
		{Kind: model.KindEnd, Type: model.TypeLLM, RunID: runID.String(), Timestamp: t0.Add(3 * time.Millisecond), Output: "hello",
			TokensUsage: &model.TokensUsage{Prompt: ptr(1), Completion: ptr(1)}},
	})
	assert.Nil(t, store.run(runID).Cost)
}

func TestCompleteEventUpsertsFinishedRun(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &sleepRecorder{})
	parent, tool := uuid.New(), uuid.New()
	_ = store.InsertRun(context.Background(), model.Run{ID: parent, Type: model.TypeLLM})

	res := svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: model.KindComplete, Type: model.TypeTool, RunID: tool.String(), ParentRunID: parent.String(), Name: "lookup",
			Timestamp: t0, Input: map[string]any{}, Output: "42"},
		{Kind: model.KindComplete, Type: model.TypeTool, RunID: uuid.NewString(), ParentRunID: uuid.NewString(),
			Timestamp: t0, Level: model.LevelError},
	})

	require.True(t, res.Results[0].Success)
	require.True(t, res.Results[1].Success)
	run := store.run(tool)
	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.Equal(t, "42", run.Output)
	require.NotNil(t, run.ParentRunID)
	assert.Equal(t, parent, *run.ParentRunID)
}

func TestStreamAndMessageEventsDoNotMutate(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &sleepRecorder{})

	res := svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: model.KindStream, Type: model.TypeLLM, RunID: uuid.NewString(), Timestamp: t0, Output: "del"},
		{Kind: model.KindComplete, Type: model.TypeMessage, RunID: uuid.NewString(), Timestamp: t0,
			Message: map[string]any{"role": "user", "content": "hi"}},
	})

	for _, r := range res.Results {
		assert.True(t, r.Success)
	}
	assert.Empty(t, store.operations())
}

func TestLogEvents(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &sleepRecorder{})
	parent := uuid.New()

	res := svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: "warn", Type: model.TypeLog, ParentRunID: parent.String(), Timestamp: t0, Message: "slow tool"},
		{Kind: model.KindLog, Type: model.TypeLog, ParentRunID: parent.String(), Level: "info", Timestamp: t0.Add(time.Second),
			Message: "x", Metadata: map[string]any{"level": "info"}},
		{Kind: model.KindLog, Type: model.TypeLog, Timestamp: t0, Message: "orphan"},
	})

	assert.True(t, res.Results[0].Success)
	assert.True(t, res.Results[1].Success)
	assert.False(t, res.Results[2].Success)

	require.Len(t, store.logs, 2)
	assert.Equal(t, "warn", store.logs[0].Level)
	assert.Equal(t, map[string]any{}, store.logs[0].Extra)
	assert.Equal(t, parent, store.logs[0].RunID)
	assert.Equal(t, "info", store.logs[1].Level)
	assert.Equal(t, map[string]any{"level": "info"}, store.logs[1].Extra)
}

func TestUserUpsertSkippedForTerminalKinds(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &sleepRecorder{})
	runID := uuid.New()

	svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: model.KindStart, Type: model.TypeLLM, RunID: runID.String(), Timestamp: t0, UserID: "alice"},
		{Kind: model.KindEnd, Type: model.TypeLLM, RunID: runID.String(), Timestamp: t0.Add(time.Second), UserID: "bob"},
	})

	assert.Contains(t, store.users, "alice")
	assert.NotContains(t, store.users, "bob")
}

func TestUnknownKindFails(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &sleepRecorder{})

	res := svc.Ingest(context.Background(), testProject, []model.Event{
		{Kind: "explode", Type: model.TypeLLM, RunID: uuid.NewString(), Timestamp: t0},
	})
	assert.False(t, res.Results[0].Success)
	assert.Contains(t, res.Results[0].Error, "unsupported event kind")
}
