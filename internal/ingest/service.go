package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// BatchResult is the outcome of one ingest call. Results are in submission
// order; Inserted counts the distinct runs the batch wrote.
type BatchResult struct {
	Results  []model.IngestResult
	Inserted int
}

// Service runs batches through cleaning, ordering and the registrar.
type Service struct {
	registrar *Registrar
	hooks     []Hook
	logger    *slog.Logger
	now       func() time.Time

	eventsTotal metric.Int64Counter
	batchSize   metric.Int64Histogram
}

// NewService creates an ingest service.
func NewService(registrar *Registrar, logger *slog.Logger, hooks ...Hook) *Service {
	meter := telemetry.Meter("kiroku/ingest")
	eventsTotal, _ := meter.Int64Counter("kiroku.ingest.events_total",
		metric.WithDescription("Events applied, by kind and outcome"),
	)
	batchSize, _ := meter.Int64Histogram("kiroku.ingest.batch_size",
		metric.WithDescription("Number of events per ingest call"),
		metric.WithUnit("{event}"),
	)
	return &Service{
		registrar:   registrar,
		hooks:       hooks,
		logger:      logger,
		now:         time.Now,
		eventsTotal: eventsTotal,
		batchSize:   batchSize,
	}
}

// pending is one submitted event on its way through the batch. Events that
// failed to decode carry err and are never applied.
type pending struct {
	event model.Event
	id    string
	err   error
}

// IngestRaw decodes and applies raw native events. A malformed event fails
// only its own result.
func (s *Service) IngestRaw(ctx context.Context, projectID uuid.UUID, raws []json.RawMessage) BatchResult {
	items := make([]pending, len(raws))
	for i, raw := range raws {
		e, err := model.ParseEvent(raw)
		if err != nil {
			items[i] = pending{id: model.PeekRunID(raw), err: err}
			continue
		}
		items[i] = pending{event: e, id: e.RunID}
	}
	return s.run(ctx, projectID, items)
}

// Ingest applies already-decoded events, such as those produced by the
// OTLP translator.
func (s *Service) Ingest(ctx context.Context, projectID uuid.UUID, events []model.Event) BatchResult {
	items := make([]pending, len(events))
	for i, e := range events {
		items[i] = pending{event: e, id: e.RunID}
	}
	return s.run(ctx, projectID, items)
}

func (s *Service) run(ctx context.Context, projectID uuid.UUID, items []pending) BatchResult {
	s.batchSize.Record(ctx, int64(len(items)))
	results := make([]model.IngestResult, len(items))

	now := s.now().UTC()
	cleaned := make([]model.Event, 0, len(items))
	positions := make([]int, 0, len(items))
	for i, it := range items {
		results[i].ID = it.id
		if it.err != nil {
			s.fail(ctx, &results[i], it.event.Kind, it.err)
			continue
		}
		e, err := model.Clean(it.event)
		if err != nil {
			s.fail(ctx, &results[i], it.event.Kind, err)
			continue
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		cleaned = append(cleaned, e)
		positions = append(positions, i)
	}

	inserted := NewInsertedSet()
	for _, ix := range Sort(cleaned) {
		i := positions[ix.Index]
		err := s.apply(ctx, projectID, ix.Event, inserted)
		if err != nil {
			s.fail(ctx, &results[i], ix.Event.Kind, err)
			s.logger.Warn("ingest: event failed",
				"project_id", projectID, "run_id", ix.Event.RunID, "kind", ix.Event.Kind, "type", ix.Event.Type, "error", err)
		} else {
			results[i].Success = true
			s.eventsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("kind", string(ix.Event.Kind)),
				attribute.String("outcome", "success"),
			))
		}
		s.notify(ctx, projectID, ix.Event, results[i])
	}

	s.logger.Debug("ingest: batch applied", "project_id", projectID, "events", len(items), "inserted", inserted.Len())
	return BatchResult{Results: results, Inserted: inserted.Len()}
}

// apply registers one event, turning a panic into that event's failure.
func (s *Service) apply(ctx context.Context, projectID uuid.UUID, e model.Event, inserted *InsertedSet) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("ingest: panic applying event", "run_id", e.RunID, "kind", e.Kind, "panic", rec)
			err = fmt.Errorf("ingest: internal error: %v", rec)
		}
	}()
	return s.registrar.Register(ctx, projectID, e, inserted)
}

func (s *Service) fail(ctx context.Context, res *model.IngestResult, kind model.EventKind, err error) {
	res.Success = false
	res.Error = err.Error()
	s.eventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", "failure"),
	))
}

func (s *Service) notify(ctx context.Context, projectID uuid.UUID, e model.Event, res model.IngestResult) {
	if len(s.hooks) == 0 {
		return
	}
	hctx := context.WithoutCancel(ctx)
	for _, h := range s.hooks {
		go func(h Hook) {
			defer func() {
				if rec := recover(); rec != nil {
					s.logger.Error("ingest: hook panicked", "run_id", e.RunID, "panic", rec)
				}
			}()
			h.OnEventIngested(hctx, projectID, e, res)
		}(h)
	}
}
