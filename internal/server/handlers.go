package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/ctxutil"
	"github.com/ashita-ai/kiroku/internal/ingest"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/otlp"
	"github.com/ashita-ai/kiroku/internal/projects"
	"github.com/ashita-ai/kiroku/internal/ratelimit"
)

// ProjectKeyHeader carries a project key when no bearer token is sent.
const ProjectKeyHeader = "X-Kiroku-Project-Key"

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	ingest              *ingest.Service
	translator          *otlp.Translator
	projects            ProjectResolver
	store               HealthChecker
	limiter             ratelimit.Limiter
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	fallbackKey         string
}

// NewHandlers creates Handlers from the server configuration.
func NewHandlers(cfg ServerConfig) *Handlers {
	return &Handlers{
		ingest:              cfg.Ingest,
		translator:          cfg.Translator,
		projects:            cfg.Projects,
		store:               cfg.Store,
		limiter:             cfg.Limiter,
		logger:              cfg.Logger,
		startedAt:           time.Now(),
		version:             cfg.Version,
		maxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		fallbackKey:         cfg.FallbackProjectKey,
	}
}

// projectKey picks the key for a request in precedence order: bearer token,
// project key of the first translated event, header, configured fallback.
func (h *Handlers) projectKey(r *http.Request, events []model.Event) string {
	var eventKey string
	if len(events) > 0 {
		eventKey = projects.EventKey(events[0])
	}
	return projects.FirstKey(
		projects.BearerToken(r.Header.Get("Authorization")),
		eventKey,
		r.Header.Get(ProjectKeyHeader),
		h.fallbackKey,
	)
}

// resolveProject resolves the request's project, writing the error response
// and returning false when it cannot.
func (h *Handlers) resolveProject(w http.ResponseWriter, r *http.Request, events []model.Event) (uuid.UUID, bool) {
	id, err := h.projects.Resolve(r.Context(), h.projectKey(r, events))
	switch {
	case err == nil:
		return id, true
	case errors.Is(err, projects.ErrNoProjectKey):
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no project key provided")
	case errors.Is(err, projects.ErrUnknownProject):
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "unknown project key")
	default:
		h.logger.Error("resolve project", "error", err, "request_id", ctxutil.RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to resolve project")
	}
	return uuid.Nil, false
}

// withProject resolves the project from headers and stores it on the context.
func (h *Handlers) withProject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.resolveProject(w, r, nil)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(ctxutil.WithProjectID(r.Context(), id)))
	})
}

// allow applies the per-project rate limit for handlers that resolve the
// project themselves. Limiter errors fail open.
func (h *Handlers) allow(w http.ResponseWriter, r *http.Request, projectID uuid.UUID) bool {
	if h.limiter == nil {
		return true
	}
	ok, err := h.limiter.Allow(r.Context(), projectID.String())
	if err != nil {
		h.logger.Warn("ratelimit: limiter error, allowing request", "error", err)
		return true
	}
	if !ok {
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many requests")
	}
	return ok
}

// readBody reads the request body up to the configured limit, writing a
// 413 or 400 response on failure.
func (h *Handlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeTooLarge,
				fmt.Sprintf("request body exceeds %s", humanize.IBytes(uint64(tooLarge.Limit))))
			return nil, false
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "failed to read request body")
		return nil, false
	}
	return body, true
}

// HandleIngest handles POST /v1/runs/ingest.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	raws, err := model.DecodeBatch(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	projectID := ctxutil.ProjectIDFromContext(r.Context())
	res := h.ingest.IngestRaw(r.Context(), projectID, raws)
	results := res.Results
	if results == nil {
		results = []model.IngestResult{}
	}
	writeJSON(w, http.StatusOK, model.IngestResponse{Results: results})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("health: store ping failed", "error", err)
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, model.HealthResponse{
		Status:  status,
		Version: h.version,
		Store:   h.store.Kind(),
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleNotFound answers unknown /v1/* paths.
func (h *Handlers) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no route for "+r.URL.Path)
}
