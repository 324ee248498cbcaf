package kiroku

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// EventHook is notified after each event of an ingest batch has been applied,
// successful or not. Hooks run in their own goroutine and must not block
// indefinitely. Errors are logged and never affect the ingest response.
type EventHook interface {
	OnEventIngested(ctx context.Context, projectID uuid.UUID, event Event, result Result) error
}

// TokenCounter counts tokens of text as the named model would tokenize it.
// It is used only when a producer did not report usage.
type TokenCounter interface {
	Count(model, text string) (int, error)
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share request ids, tracing, logging and panic recovery with
// the built-in routes. Called once during New().
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the HTTP handler.
type Middleware func(http.Handler) http.Handler
