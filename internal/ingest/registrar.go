package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// ErrRunNotFound is returned for feedback on a run that does not exist.
var ErrRunNotFound = errors.New("run not found")

// RegistrarConfig holds the collaborators of a Registrar. Store and
// ChatStore are required; everything else has a default.
type RegistrarConfig struct {
	Store     Store
	ChatStore ChatStore
	Pricer    CostModel
	Tokens    TokenCounter
	Retry     RetryPolicy
	Sleep     SleepFunc
	Logger    *slog.Logger
}

// Registrar applies single events to the run store. A run moves from
// absent to started to success or error; feedback may land in any state.
type Registrar struct {
	store  Store
	chat   *Chat
	pricer CostModel
	tokens TokenCounter
	retry  RetryPolicy
	sleep  SleepFunc
	logger *slog.Logger

	parentRetries metric.Int64Counter
	orphans       metric.Int64Counter
}

// NewRegistrar builds a Registrar from cfg.
func NewRegistrar(cfg RegistrarConfig) *Registrar {
	r := &Registrar{
		store:  cfg.Store,
		chat:   NewChat(cfg.ChatStore),
		pricer: cfg.Pricer,
		tokens: cfg.Tokens,
		retry:  cfg.Retry,
		sleep:  cfg.Sleep,
		logger: cfg.Logger,
	}
	if r.pricer == nil {
		r.pricer = NewPricer(nil)
	}
	if r.retry.Attempts < 0 {
		r.retry.Attempts = 0
	}
	if r.sleep == nil {
		r.sleep = sleepContext
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}

	meter := telemetry.Meter("kiroku/ingest")
	r.parentRetries, _ = meter.Int64Counter("kiroku.ingest.parent_retry_total",
		metric.WithDescription("Start events that waited for a missing parent run"),
	)
	r.orphans, _ = meter.Int64Counter("kiroku.ingest.orphan_terminal_total",
		metric.WithDescription("End and error events for runs that were never started"),
	)
	return r
}

// Register applies e, which must already be cleaned. Run ids the event
// writes are added to inserted.
func (r *Registrar) Register(ctx context.Context, projectID uuid.UUID, e model.Event, inserted *InsertedSet) error {
	if e.Type == model.TypeLog {
		return r.registerLog(ctx, projectID, e)
	}
	if err := r.registerRun(ctx, projectID, e); err != nil {
		return err
	}
	inserted.Add(e.RunID)
	return nil
}

func (r *Registrar) registerRun(ctx context.Context, projectID uuid.UUID, e model.Event) error {
	// Role messages reach storage through the span that claims them.
	if e.Type == model.TypeMessage || e.Kind == model.KindStream {
		return nil
	}

	runID, err := requiredID("runId", e.RunID)
	if err != nil {
		return err
	}

	var userID *int64
	if e.UserID != "" && !e.Kind.IsTerminal() {
		id, err := r.store.UpsertExternalUser(ctx, projectID, e.UserID, e.UserProps, e.Timestamp)
		if err != nil {
			return fmt.Errorf("ingest: upsert external user: %w", err)
		}
		userID = &id
	}

	switch e.Kind {
	case model.KindStart:
		parentID, parentUser, err := r.resolveParent(ctx, projectID, e, r.retry.Attempts)
		if err != nil {
			return err
		}
		if parentUser != nil {
			userID = parentUser
		}
		run := baseRun(projectID, runID, parentID, userID, e)
		run.Status = model.RunStatusStarted
		if err := r.store.InsertRun(ctx, run); err != nil {
			return fmt.Errorf("ingest: insert run: %w", err)
		}
		return nil

	case model.KindComplete:
		// A complete event often trails its parent span across requests,
		// so the parent is checked once without waiting.
		parentID, parentUser, err := r.resolveParent(ctx, projectID, e, 0)
		if err != nil {
			return err
		}
		if userID == nil {
			userID = parentUser
		}
		return r.registerComplete(ctx, projectID, baseRun(projectID, runID, parentID, userID, e), e)

	case model.KindEnd:
		return r.registerEnd(ctx, projectID, runID, e)

	case model.KindError:
		found, err := r.store.FailRun(ctx, projectID, model.RunFailure{ID: runID, EndedAt: e.Timestamp, Error: e.Error})
		if err != nil {
			return fmt.Errorf("ingest: fail run: %w", err)
		}
		if !found {
			r.orphan(ctx, runID, e.Kind)
		}
		return nil

	case model.KindFeedback:
		found, err := r.store.MergeFeedback(ctx, projectID, runID, feedbackPatch(e))
		if err != nil {
			return fmt.Errorf("ingest: merge feedback: %w", err)
		}
		if !found {
			return ErrRunNotFound
		}
		return nil

	case model.KindChat:
		return r.chat.Ingest(ctx, projectID, userID, e)

	default:
		return fmt.Errorf("%w: unsupported event kind %q", model.ErrInvalidEvent, e.Kind)
	}
}

// resolveParent returns the parent id to store and the parent's external
// user. A parent that is still missing after attempts waits is dropped.
func (r *Registrar) resolveParent(ctx context.Context, projectID uuid.UUID, e model.Event, attempts int) (*uuid.UUID, *int64, error) {
	if e.ParentRunID == "" {
		return nil, nil, nil
	}
	parentID, err := requiredID("parentRunId", e.ParentRunID)
	if err != nil {
		return nil, nil, err
	}

	for attempt := 0; ; attempt++ {
		user, found, err := r.store.ParentRunUser(ctx, projectID, parentID)
		if err != nil {
			return nil, nil, fmt.Errorf("ingest: look up parent run: %w", err)
		}
		if found {
			return &parentID, user, nil
		}
		if attempt >= attempts {
			break
		}
		r.parentRetries.Add(ctx, 1)
		if err := r.sleep(ctx, r.retry.Delay); err != nil {
			return nil, nil, fmt.Errorf("ingest: wait for parent run: %w", err)
		}
	}

	r.logger.Warn("ingest: parent run not found, dropping parent link",
		"run_id", e.RunID, "parent_run_id", e.ParentRunID, "kind", e.Kind)
	return nil, nil, nil
}

func (r *Registrar) registerEnd(ctx context.Context, projectID, runID uuid.UUID, e model.Event) error {
	end := model.RunEnd{ID: runID, EndedAt: e.Timestamp, Status: endStatus(e), Output: e.Output, Error: e.Error}
	usage := e.TokensUsage

	if e.Type == model.TypeLLM {
		stored, found, err := r.store.RunForPricing(ctx, projectID, runID)
		if err != nil {
			return fmt.Errorf("ingest: load run for pricing: %w", err)
		}
		if !found {
			r.orphan(ctx, runID, e.Kind)
			return nil
		}
		name := stored.Name
		if name == "" {
			name = e.Name
		}
		if !usage.Complete() {
			completed, err := completeUsage(r.tokens, name, stored, e.Output, usage)
			if err != nil {
				r.logger.Warn("ingest: token count failed", "run_id", e.RunID, "model", name, "error", err)
			}
			usage = completed
		}
		var duration time.Duration
		if !stored.CreatedAt.IsZero() && e.Timestamp.After(stored.CreatedAt) {
			duration = e.Timestamp.Sub(stored.CreatedAt)
		}
		if cost, ok := r.pricer.Cost(name, deref(usage.Prompt), deref(usage.Completion), duration); ok {
			end.Cost = &cost
		}
	}

	if usage != nil {
		end.PromptTokens = usage.Prompt
		end.CompletionTokens = usage.Completion
	}

	found, err := r.store.EndRun(ctx, projectID, end)
	if err != nil {
		return fmt.Errorf("ingest: end run: %w", err)
	}
	if !found {
		r.orphan(ctx, runID, e.Kind)
	}
	return nil
}

func (r *Registrar) registerComplete(ctx context.Context, projectID uuid.UUID, run model.Run, e model.Event) error {
	run.Status = endStatus(e)
	endedAt := e.Timestamp
	run.EndedAt = &endedAt
	run.Output = e.Output
	run.Error = e.Error

	if e.TokensUsage != nil {
		run.PromptTokens = e.TokensUsage.Prompt
		run.CompletionTokens = e.TokensUsage.Completion
	}
	if e.Type == model.TypeLLM && e.TokensUsage != nil {
		if cost, ok := r.pricer.Cost(e.Name, deref(e.TokensUsage.Prompt), deref(e.TokensUsage.Completion), 0); ok {
			run.Cost = &cost
		}
	}

	if err := r.store.UpsertCompletedRun(ctx, run); err != nil {
		return fmt.Errorf("ingest: upsert completed run: %w", err)
	}
	return nil
}

func (r *Registrar) registerLog(ctx context.Context, projectID uuid.UUID, e model.Event) error {
	if e.ParentRunID == "" {
		return fmt.Errorf("%w: parentRunId is required for log events", model.ErrInvalidEvent)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: event is required for log events", model.ErrInvalidEvent)
	}
	runID, err := requiredID("parentRunId", e.ParentRunID)
	if err != nil {
		return err
	}

	level := e.Level
	if level == "" {
		level = string(e.Kind)
	}
	extra := e.Metadata
	if extra == nil {
		extra = e.Extra
	}
	if extra == nil {
		extra = map[string]any{}
	}

	if err := r.store.InsertLog(ctx, model.LogRow{
		RunID:     runID,
		ProjectID: projectID,
		Level:     level,
		Message:   e.Message,
		Extra:     extra,
		CreatedAt: e.Timestamp,
	}); err != nil {
		return fmt.Errorf("ingest: insert log: %w", err)
	}
	return nil
}

// endStatus is the status an end or complete event finishes its run with.
// Producers report failed spans as an end at error level.
func endStatus(e model.Event) model.RunStatus {
	if e.Level == model.LevelError || e.Error != nil {
		return model.RunStatusError
	}
	return model.RunStatusSuccess
}

func (r *Registrar) orphan(ctx context.Context, runID uuid.UUID, kind model.EventKind) {
	r.orphans.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	r.logger.Warn("ingest: terminal event for unknown run ignored", "run_id", runID, "kind", kind)
}

func baseRun(projectID, runID uuid.UUID, parentID *uuid.UUID, userID *int64, e model.Event) model.Run {
	params := e.Params
	if params == nil {
		params = e.Extra
	}
	run := model.Run{
		ID:             runID,
		ProjectID:      projectID,
		ParentRunID:    parentID,
		Type:           e.Type,
		Name:           e.Name,
		CreatedAt:      e.Timestamp,
		Params:         params,
		Metadata:       e.Metadata,
		Input:          e.Input,
		Tags:           e.Tags,
		ExternalUserID: userID,
		Runtime:        e.Runtime,
	}
	if e.TemplateID != "" {
		tid := e.TemplateID
		run.TemplateVersionID = &tid
	}
	return run
}

func feedbackPatch(e model.Event) map[string]any {
	patch := make(map[string]any, len(e.Feedback)+len(e.Extra))
	for k, v := range e.Feedback {
		patch[k] = v
	}
	for k, v := range e.Extra {
		patch[k] = v
	}
	return patch
}

func requiredID(field, id string) (uuid.UUID, error) {
	if id == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", model.ErrInvalidEvent, field)
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s: %v", model.ErrInvalidEvent, field, err)
	}
	return u, nil
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
