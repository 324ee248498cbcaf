// Package otlp translates OpenTelemetry trace and log exports that follow
// the gen-AI semantic conventions into canonical events.
//
// A span with a start and end time becomes a start/end pair sharing one run
// id. Log records carry chat messages, tool results and streaming choices.
// Content that only appears in log records is held in a content cache
// until the owning span is translated.
package otlp

import (
	"context"
	"log/slog"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/ashita-ai/kiroku/internal/contentcache"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/truncate"
)

// Translator converts decoded OTLP requests into events. It is safe for
// concurrent use when its cache is.
type Translator struct {
	cache  contentcache.Cache
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Translator.
type Option func(*Translator)

// WithClock overrides the clock used for records that carry no timestamp.
func WithClock(now func() time.Time) Option {
	return func(t *Translator) { t.now = now }
}

// New creates a Translator backed by cache.
func New(cache contentcache.Cache, logger *slog.Logger, opts ...Option) *Translator {
	t := &Translator{cache: cache, logger: logger, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Spans translates every span in req, across all resources and scopes, then
// aggregates tool calls and applies the size guard.
func (t *Translator) Spans(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) []model.Event {
	var events []model.Event
	for _, rs := range req.GetResourceSpans() {
		resAttrs := Attributes(rs.GetResource().GetAttributes())
		for _, ss := range rs.GetScopeSpans() {
			for _, span := range ss.GetSpans() {
				events = append(events, t.SpanToEvents(ctx, span, resAttrs)...)
			}
		}
	}
	return t.finish(events)
}

// Logs translates every log record in req, then aggregates tool calls and
// applies the size guard.
func (t *Translator) Logs(ctx context.Context, req *collogspb.ExportLogsServiceRequest) []model.Event {
	var events []model.Event
	for _, rl := range req.GetResourceLogs() {
		resAttrs := Attributes(rl.GetResource().GetAttributes())
		for _, sl := range rl.GetScopeLogs() {
			for _, rec := range sl.GetLogRecords() {
				events = append(events, t.LogToEvents(ctx, rec, resAttrs)...)
			}
		}
	}
	return t.finish(events)
}

func (t *Translator) finish(events []model.Event) []model.Event {
	AggregateToolCalls(events)
	for i := range events {
		truncate.Guard(&events[i], t.logger)
	}
	return events
}
