package ingest_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/ingest"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/testutil"
)

var (
	testProject = uuid.MustParse("11111111-1111-4111-a111-111111111111")
	t0          = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

// fakeStore is an in-memory Store and ChatStore. ops records mutating calls
// in order so tests can assert the processing sequence.
type fakeStore struct {
	mu       sync.Mutex
	runs     map[uuid.UUID]*model.Run
	users    map[string]int64
	logs     []model.LogRow
	ops      []string
	nextUser int64

	// onLookup, if set, runs before every ParentRunUser call.
	onLookup func(attempt int)
	lookups  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: make(map[uuid.UUID]*model.Run), users: make(map[string]int64)}
}

func (f *fakeStore) UpsertExternalUser(_ context.Context, _ uuid.UUID, externalID string, _ map[string]any, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.users[externalID]; ok {
		return id, nil
	}
	f.nextUser++
	f.users[externalID] = f.nextUser
	return f.nextUser, nil
}

func (f *fakeStore) ParentRunUser(_ context.Context, _ uuid.UUID, runID uuid.UUID) (*int64, bool, error) {
	f.mu.Lock()
	f.lookups++
	hook, attempt := f.onLookup, f.lookups
	f.mu.Unlock()
	if hook != nil {
		hook(attempt)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return nil, false, nil
	}
	return r.ExternalUserID, true, nil
}

func (f *fakeStore) InsertRun(_ context.Context, run model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "insert:"+run.ID.String())
	r := run
	f.runs[run.ID] = &r
	return nil
}

func (f *fakeStore) EndRun(_ context.Context, _ uuid.UUID, end model.RunEnd) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "end:"+end.ID.String())
	r, ok := f.runs[end.ID]
	if !ok {
		return false, nil
	}
	if r.EndedAt != nil {
		return true, nil
	}
	t := end.EndedAt
	r.EndedAt = &t
	r.Output = end.Output
	r.Status = end.FinalStatus()
	if end.Error != nil {
		r.Error = end.Error
	}
	r.PromptTokens = end.PromptTokens
	r.CompletionTokens = end.CompletionTokens
	r.Cost = end.Cost
	return true, nil
}

func (f *fakeStore) FailRun(_ context.Context, _ uuid.UUID, fail model.RunFailure) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "fail:"+fail.ID.String())
	r, ok := f.runs[fail.ID]
	if !ok {
		return false, nil
	}
	if r.EndedAt != nil {
		return true, nil
	}
	t := fail.EndedAt
	r.EndedAt = &t
	r.Status = model.RunStatusError
	r.Error = fail.Error
	return true, nil
}

func (f *fakeStore) MergeFeedback(_ context.Context, _ uuid.UUID, runID uuid.UUID, patch map[string]any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "feedback:"+runID.String())
	r, ok := f.runs[runID]
	if !ok {
		return false, nil
	}
	r.Feedback = model.MergeFeedback(r.Feedback, patch)
	return true, nil
}

func (f *fakeStore) InsertLog(_ context.Context, row model.LogRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "log:"+row.RunID.String())
	f.logs = append(f.logs, row)
	return nil
}

func (f *fakeStore) RunForPricing(_ context.Context, _ uuid.UUID, runID uuid.UUID) (model.PricingInput, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return model.PricingInput{}, false, nil
	}
	return model.PricingInput{Name: r.Name, CreatedAt: r.CreatedAt, Input: r.Input, Params: r.Params}, true, nil
}

func (f *fakeStore) UpsertCompletedRun(_ context.Context, run model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "complete:"+run.ID.String())
	if existing, ok := f.runs[run.ID]; ok && existing.EndedAt != nil {
		return nil
	}
	r := run
	f.runs[run.ID] = &r
	return nil
}

func (f *fakeStore) UpsertThread(_ context.Context, thread model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.runs[thread.ID]; ok {
		existing.Tags = thread.Tags
		existing.ExternalUserID = thread.ExternalUserID
		return nil
	}
	r := thread
	f.runs[thread.ID] = &r
	return nil
}

func (f *fakeStore) LatestChildRun(_ context.Context, _ uuid.UUID, threadID uuid.UUID) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var children []*model.Run
	for _, r := range f.runs {
		if r.ParentRunID != nil && *r.ParentRunID == threadID {
			children = append(children, r)
		}
	}
	if len(children) == 0 {
		return nil, nil
	}
	sort.Slice(children, func(i, j int) bool { return children[i].CreatedAt.Before(children[j].CreatedAt) })
	latest := *children[len(children)-1]
	return &latest, nil
}

func (f *fakeStore) InsertChatRun(_ context.Context, run model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := run
	f.runs[run.ID] = &r
	return nil
}

func (f *fakeStore) AppendChatRun(_ context.Context, _ uuid.UUID, runID uuid.UUID, u model.ChatRunUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return nil
	}
	delete(f.runs, runID)
	r.ID = u.NewID
	t := u.EndedAt
	r.EndedAt = &t
	if u.Input != nil {
		r.Input = u.Input
	}
	if u.Output != nil {
		r.Output = u.Output
	}
	f.runs[u.NewID] = r
	return nil
}

func (f *fakeStore) run(id uuid.UUID) *model.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id]
}

func (f *fakeStore) operations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

// wordCounter counts whitespace-separated words, standing in for tiktoken.
type wordCounter struct{}

func (wordCounter) Count(_, text string) (int, error) {
	n, in := 0, false
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			in = false
			continue
		}
		if !in {
			n++
			in = true
		}
	}
	return n, nil
}

// sleepRecorder replaces the registrar's sleep without waiting.
type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *sleepRecorder) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, d)
	return nil
}

func (s *sleepRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newService(t *testing.T, store *fakeStore, sleeper *sleepRecorder, hooks ...ingest.Hook) *ingest.Service {
	t.Helper()
	reg := ingest.NewRegistrar(ingest.RegistrarConfig{
		Store:     store,
		ChatStore: store,
		Tokens:    wordCounter{},
		Retry:     ingest.RetryPolicy{Attempts: 1, Delay: 2 * time.Second},
		Sleep:     sleeper.Sleep,
		Logger:    testutil.TestLogger(),
	})
	return ingest.NewService(reg, testutil.TestLogger(), hooks...)
}

func ptr[T any](v T) *T { return &v }
