// Package ingest folds canonical events into persisted runs.
//
// A batch is cleaned, ordered so that a run's start precedes its end, and
// applied one event at a time through the Registrar. Each event gets its own
// result; a failure in one event never fails its neighbours.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Store is the persistence surface the registrar needs. Implementations must
// be safe for concurrent use by multiple batches.
type Store interface {
	// UpsertExternalUser creates or refreshes the end-user row keyed by
	// (projectID, externalID) and returns its id.
	UpsertExternalUser(ctx context.Context, projectID uuid.UUID, externalID string, props map[string]any, lastSeen time.Time) (int64, error)

	// ParentRunUser reports whether runID exists and, if so, the external
	// user it is attributed to (nil when unattributed).
	ParentRunUser(ctx context.Context, projectID, runID uuid.UUID) (*int64, bool, error)

	InsertRun(ctx context.Context, run model.Run) error
	EndRun(ctx context.Context, projectID uuid.UUID, end model.RunEnd) (bool, error)
	FailRun(ctx context.Context, projectID uuid.UUID, failure model.RunFailure) (bool, error)

	// MergeFeedback shallow-merges patch into the run's feedback inside a
	// single transaction.
	MergeFeedback(ctx context.Context, projectID, runID uuid.UUID, patch map[string]any) (bool, error)

	InsertLog(ctx context.Context, row model.LogRow) error
	RunForPricing(ctx context.Context, projectID, runID uuid.UUID) (model.PricingInput, bool, error)

	// UpsertCompletedRun inserts a finished run, or finishes an existing one.
	UpsertCompletedRun(ctx context.Context, run model.Run) error
}

// ChatStore is the persistence surface chat reconciliation needs.
type ChatStore interface {
	UpsertThread(ctx context.Context, thread model.Run) error
	// LatestChildRun returns the most recently created child of threadID,
	// or nil when the thread has none.
	LatestChildRun(ctx context.Context, projectID, threadID uuid.UUID) (*model.Run, error)
	InsertChatRun(ctx context.Context, run model.Run) error
	AppendChatRun(ctx context.Context, projectID, runID uuid.UUID, update model.ChatRunUpdate) error
}

// TokenCounter counts tokens of text as the named model would tokenize it.
type TokenCounter interface {
	Count(model, text string) (int, error)
}

// CostModel prices an LLM call. ok is false when the model is unknown or
// the call is too short to be billable.
type CostModel interface {
	Cost(name string, promptTokens, completionTokens int, duration time.Duration) (cost float64, ok bool)
}

// Hook is notified after each event of a batch has been applied. Calls run
// in their own goroutine and must not block indefinitely.
type Hook interface {
	OnEventIngested(ctx context.Context, projectID uuid.UUID, event model.Event, result model.IngestResult)
}

// RetryPolicy bounds how long a start event waits for its parent run to
// appear before the parent link is dropped.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy waits once, for two seconds.
var DefaultRetryPolicy = RetryPolicy{Attempts: 1, Delay: 2 * time.Second}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
