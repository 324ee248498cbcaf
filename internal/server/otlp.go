package server

import (
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/ashita-ai/kiroku/internal/ctxutil"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/otlp"
)

// otlpBody checks method and content type, then reads the body.
func (h *Handlers) otlpBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, r, http.StatusMethodNotAllowed, model.ErrCodeMethodNotAllowed, "method not allowed")
		return nil, false
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), otlp.ContentType) {
		writeError(w, r, http.StatusUnsupportedMediaType, model.ErrCodeUnsupportedMedia,
			"content type must be "+otlp.ContentType)
		return nil, false
	}
	return h.readBody(w, r)
}

// HandleTraces handles POST /v1/traces.
func (h *Handlers) HandleTraces(w http.ResponseWriter, r *http.Request) {
	body, ok := h.otlpBody(w, r)
	if !ok {
		return
	}
	req, err := otlp.DecodeTraces(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	events := h.translator.Spans(r.Context(), req)
	if !h.ingestEvents(w, r, "traces", len(body), events) {
		return
	}
	writeProto(w, &coltracepb.ExportTraceServiceResponse{})
}

// HandleLogs handles POST /v1/logs.
func (h *Handlers) HandleLogs(w http.ResponseWriter, r *http.Request) {
	body, ok := h.otlpBody(w, r)
	if !ok {
		return
	}
	req, err := otlp.DecodeLogs(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	events := h.translator.Logs(r.Context(), req)
	if !h.ingestEvents(w, r, "logs", len(body), events) {
		return
	}
	writeProto(w, &collogspb.ExportLogsServiceResponse{})
}

// HandleMetrics handles POST /v1/metrics. Metrics are counted and
// acknowledged; no run state derives from them.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	body, ok := h.otlpBody(w, r)
	if !ok {
		return
	}
	req, err := otlp.DecodeMetrics(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	h.logger.Debug("otlp metrics received",
		"data_points", otlp.CountMetrics(req),
		"size", humanize.IBytes(uint64(len(body))),
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
	)
	writeProto(w, &colmetricspb.ExportMetricsServiceResponse{})
}

// ingestEvents resolves the project, applies the rate limit and folds the
// translated events. Per-event failures are logged, not returned.
func (h *Handlers) ingestEvents(w http.ResponseWriter, r *http.Request, signal string, size int, events []model.Event) bool {
	projectID, ok := h.resolveProject(w, r, events)
	if !ok {
		return false
	}
	if !h.allow(w, r, projectID) {
		return false
	}
	if len(events) == 0 {
		return true
	}

	ctx := ctxutil.WithProjectID(r.Context(), projectID)
	res := h.ingest.Ingest(ctx, projectID, events)
	failed := 0
	for _, rr := range res.Results {
		if !rr.Success {
			failed++
		}
	}
	h.logOTLP(r, signal, projectID, size, len(events), res.Inserted, failed)
	return true
}

func (h *Handlers) logOTLP(r *http.Request, signal string, projectID uuid.UUID, size, events, inserted, failed int) {
	attrs := []any{
		"signal", signal,
		"project_id", projectID,
		"size", humanize.IBytes(uint64(size)),
		"events", events,
		"inserted", inserted,
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
	}
	if failed > 0 {
		h.logger.Warn("otlp export partially failed", append(attrs, "failed", failed)...)
		return
	}
	h.logger.Debug("otlp export ingested", attrs...)
}

func writeProto(w http.ResponseWriter, msg proto.Message) {
	b, err := proto.Marshal(msg)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", otlp.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}
