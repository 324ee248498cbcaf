package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/storage/sqlite"
	"github.com/ashita-ai/kiroku/internal/testutil"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "kiroku.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func newProject(t *testing.T, s *sqlite.Store) uuid.UUID {
	t.Helper()
	suffix := uuid.NewString()
	p, err := s.CreateProject(context.Background(), model.Project{
		Name: "test", PublicKey: "pk-" + suffix, PrivateKey: "sk-" + suffix,
	})
	require.NoError(t, err)
	return p.ID
}

func ptr[T any](v T) *T { return &v }

func TestNewRequiresPath(t *testing.T) {
	_, err := sqlite.New(context.Background(), "  ", testutil.TestLogger())
	require.Error(t, err)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "kiroku.db")

	s, err := sqlite.New(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	p, err := s.CreateProject(ctx, model.Project{Name: "demo", PublicKey: "pk", PrivateKey: "sk"})
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	s, err = sqlite.New(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close(ctx) }()

	got, err := s.ProjectByKey(ctx, "sk")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "sqlite", s.Kind())
	require.NoError(t, s.Ping(ctx))

	_, err = s.ProjectByKey(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	project := newProject(t, s)
	runID := uuid.New()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertRun(ctx, model.Run{
		ID: runID, ProjectID: project, Type: model.TypeLLM, Name: "gpt-4o", Status: model.RunStatusStarted,
		CreatedAt: start, Input: "Explain X", Params: map[string]any{"temperature": 0.2}, Tags: []string{"a"},
		TemplateVersionID: ptr("v3"),
	}))
	require.NoError(t, s.InsertRun(ctx, model.Run{ID: runID, ProjectID: project, Type: model.TypeLLM, Name: "dup", CreatedAt: start}))

	in, found, err := s.RunForPricing(ctx, project, runID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "gpt-4o", in.Name)
	assert.Equal(t, "Explain X", in.Input)
	assert.Equal(t, 0.2, in.Params["temperature"])
	assert.True(t, start.Equal(in.CreatedAt))

	found, err = s.EndRun(ctx, project, model.RunEnd{
		ID: runID, EndedAt: start.Add(time.Second), Output: map[string]any{"text": "Answer Y"},
		PromptTokens: ptr(150), CompletionTokens: ptr(250), Cost: ptr(0.01),
	})
	require.NoError(t, err)
	require.True(t, found)

	run, err := s.GetRun(ctx, project, runID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", run.Name)
	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.Equal(t, map[string]any{"text": "Answer Y"}, run.Output)
	assert.Equal(t, 150, *run.PromptTokens)
	assert.Equal(t, 250, *run.CompletionTokens)
	assert.InDelta(t, 0.01, *run.Cost, 1e-9)
	assert.Equal(t, []string{"a"}, run.Tags)
	assert.Equal(t, "v3", *run.TemplateVersionID)
	assert.True(t, start.Add(time.Second).Equal(*run.EndedAt))

	_, err = s.GetRun(ctx, project, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFailAndMissingRuns(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	project := newProject(t, s)
	runID := uuid.New()
	require.NoError(t, s.InsertRun(ctx, model.Run{ID: runID, ProjectID: project, Type: model.TypeTool, CreatedAt: time.Now()}))

	found, err := s.FailRun(ctx, project, model.RunFailure{ID: runID, EndedAt: time.Now(), Error: &model.EventError{Message: "boom"}})
	require.NoError(t, err)
	require.True(t, found)

	run, err := s.GetRun(ctx, project, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, run.Status)
	assert.Equal(t, "boom", run.Error.Message)

	found, err = s.EndRun(ctx, project, model.RunEnd{ID: uuid.New(), EndedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, found)

	found, err = s.FailRun(ctx, project, model.RunFailure{ID: uuid.New(), EndedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = s.RunForPricing(ctx, project, uuid.New())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEndRunWithErrorStatus(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	project := newProject(t, s)
	runID := uuid.New()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertRun(ctx, model.Run{ID: runID, ProjectID: project, Type: model.TypeLLM, CreatedAt: start}))

	found, err := s.EndRun(ctx, project, model.RunEnd{
		ID: runID, EndedAt: start.Add(time.Second), Status: model.RunStatusError,
		Error: &model.EventError{Message: "rate limited"}, PromptTokens: ptr(12),
	})
	require.NoError(t, err)
	require.True(t, found)

	run, err := s.GetRun(ctx, project, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "rate limited", run.Error.Message)
	assert.Equal(t, 12, *run.PromptTokens)
}

func TestEndedRunIsNotUpdatedAgain(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	project := newProject(t, s)
	failed, done := uuid.New(), uuid.New()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertRun(ctx, model.Run{ID: failed, ProjectID: project, Type: model.TypeTool, CreatedAt: start}))
	require.NoError(t, s.InsertRun(ctx, model.Run{ID: done, ProjectID: project, Type: model.TypeTool, CreatedAt: start}))

	_, err := s.FailRun(ctx, project, model.RunFailure{ID: failed, EndedAt: start.Add(time.Second), Error: &model.EventError{Message: "boom"}})
	require.NoError(t, err)
	_, err = s.EndRun(ctx, project, model.RunEnd{ID: done, EndedAt: start.Add(time.Second), Output: "first"})
	require.NoError(t, err)

	found, err := s.EndRun(ctx, project, model.RunEnd{ID: failed, EndedAt: start.Add(2 * time.Second), Output: "late"})
	require.NoError(t, err)
	assert.True(t, found, "an ended run still exists")
	found, err = s.FailRun(ctx, project, model.RunFailure{ID: done, EndedAt: start.Add(2 * time.Second), Error: &model.EventError{Message: "late"}})
	require.NoError(t, err)
	assert.True(t, found)
	require.NoError(t, s.UpsertCompletedRun(ctx, model.Run{
		ID: done, ProjectID: project, Type: model.TypeTool, Status: model.RunStatusError,
		CreatedAt: start, EndedAt: ptr(start.Add(3 * time.Second)), Output: "third",
	}))

	run, err := s.GetRun(ctx, project, failed)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, run.Status)
	assert.Equal(t, "boom", run.Error.Message)
	assert.Nil(t, run.Output)
	assert.True(t, start.Add(time.Second).Equal(*run.EndedAt))

	run, err = s.GetRun(ctx, project, done)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.Nil(t, run.Error)
	assert.Equal(t, "first", run.Output)
	assert.True(t, start.Add(time.Second).Equal(*run.EndedAt))
}

func TestParentRunUser(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	project, other := newProject(t, s), newProject(t, s)

	uid, err := s.UpsertExternalUser(ctx, project, "alice", map[string]any{"plan": "pro"}, time.Now())
	require.NoError(t, err)
	again, err := s.UpsertExternalUser(ctx, project, "alice", nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, uid, again)

	parent, anon := uuid.New(), uuid.New()
	require.NoError(t, s.InsertRun(ctx, model.Run{ID: parent, ProjectID: project, Type: model.TypeAgent, CreatedAt: time.Now(), ExternalUserID: &uid}))
	require.NoError(t, s.InsertRun(ctx, model.Run{ID: anon, ProjectID: project, Type: model.TypeAgent, CreatedAt: time.Now()}))

	user, found, err := s.ParentRunUser(ctx, project, parent)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uid, *user)

	user, found, err = s.ParentRunUser(ctx, project, anon)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Nil(t, user)

	_, found, err = s.ParentRunUser(ctx, other, parent)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMergeFeedback(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	project := newProject(t, s)
	runID := uuid.New()
	require.NoError(t, s.InsertRun(ctx, model.Run{ID: runID, ProjectID: project, Type: model.TypeLLM, CreatedAt: time.Now()}))

	found, err := s.MergeFeedback(ctx, project, runID, map[string]any{"thumb": "up", "comment": "x"})
	require.NoError(t, err)
	require.True(t, found)
	_, err = s.MergeFeedback(ctx, project, runID, map[string]any{"comment": nil, "score": 1})
	require.NoError(t, err)

	run, err := s.GetRun(ctx, project, runID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"thumb": "up", "score": float64(1)}, run.Feedback)

	found, err = s.MergeFeedback(ctx, project, uuid.New(), map[string]any{"x": 1})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpsertCompletedRun(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	project := newProject(t, s)
	runID, fresh := uuid.New(), uuid.New()
	now := time.Now().UTC()

	require.NoError(t, s.InsertRun(ctx, model.Run{ID: runID, ProjectID: project, Type: model.TypeTool, Name: "lookup", CreatedAt: now, Input: map[string]any{"q": 1}}))
	require.NoError(t, s.UpsertCompletedRun(ctx, model.Run{
		ID: runID, ProjectID: project, Type: model.TypeTool, Status: model.RunStatusSuccess,
		CreatedAt: now, EndedAt: ptr(now.Add(time.Second)), Input: map[string]any{}, Output: "42",
	}))
	require.NoError(t, s.UpsertCompletedRun(ctx, model.Run{
		ID: fresh, ProjectID: project, Type: model.TypeLLM, Name: "gpt-4o", Status: model.RunStatusError,
		CreatedAt: now, EndedAt: ptr(now), Error: &model.EventError{Message: "rate limited"},
	}))

	run, err := s.GetRun(ctx, project, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.Equal(t, map[string]any{"q": float64(1)}, run.Input, "existing input is kept")
	assert.Equal(t, "42", run.Output)
	assert.Equal(t, "lookup", run.Name)

	run, err = s.GetRun(ctx, project, fresh)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, run.Status)
	assert.Equal(t, "rate limited", run.Error.Message)
}

func TestLogs(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	project := newProject(t, s)
	runID := uuid.New()
	now := time.Now()

	require.NoError(t, s.InsertLog(ctx, model.LogRow{RunID: runID, ProjectID: project, Level: "info", Message: map[string]any{"a": "b"}, Extra: map[string]any{"k": "v"}, CreatedAt: now.Add(time.Millisecond)}))
	require.NoError(t, s.InsertLog(ctx, model.LogRow{RunID: runID, ProjectID: project, Level: "warn", Message: "slow", CreatedAt: now}))

	logs, err := s.ListLogs(ctx, project, runID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "warn", logs[0].Level)
	assert.Equal(t, "slow", logs[0].Message)
	assert.Equal(t, map[string]any{}, logs[0].Extra)
	assert.Equal(t, map[string]any{"k": "v"}, logs[1].Extra)
}

func TestChatThreadStorage(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	project := newProject(t, s)
	thread, first, second, renamed := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertThread(ctx, model.Run{ID: thread, ProjectID: project, CreatedAt: now, Tags: []string{"support"}}))
	require.NoError(t, s.UpsertThread(ctx, model.Run{ID: thread, ProjectID: project, CreatedAt: now}))

	prev, err := s.LatestChildRun(ctx, project, thread)
	require.NoError(t, err)
	assert.Nil(t, prev)

	require.NoError(t, s.InsertChatRun(ctx, model.Run{
		ID: first, ProjectID: project, ParentRunID: &thread, Type: model.TypeChat, CreatedAt: now,
		Input: []any{map[string]any{"role": "user", "content": "hi"}},
	}))
	require.NoError(t, s.InsertChatRun(ctx, model.Run{
		ID: second, ProjectID: project, ParentRunID: &thread, Type: model.TypeChat, CreatedAt: now.Add(time.Second),
		Input: []any{map[string]any{"role": "user", "content": "again"}},
	}))
	require.NoError(t, s.AppendChatRun(ctx, project, second, model.ChatRunUpdate{
		NewID: renamed, EndedAt: now.Add(2 * time.Second),
		Output: []any{map[string]any{"role": "assistant", "content": "hello"}},
	}))

	prev, err = s.LatestChildRun(ctx, project, thread)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, renamed, prev.ID)
	assert.Len(t, prev.Input, 1)
	assert.Len(t, prev.Output, 1)

	threadRun, err := s.GetRun(ctx, project, thread)
	require.NoError(t, err)
	assert.Equal(t, model.TypeThread, threadRun.Type)
	assert.Equal(t, []string{"support"}, threadRun.Tags)

	err = s.AppendChatRun(ctx, project, uuid.New(), model.ChatRunUpdate{NewID: uuid.New()})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
