// Package ctxutil provides shared context key accessors.
//
// The server resolves the project and request id in middleware; mcp tool
// handlers read them back. Both import ctxutil instead of each other.
package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	keyProjectID contextKey = "project_id"
	keyRequestID contextKey = "request_id"
)

// WithProjectID returns a new context carrying the resolved project id.
func WithProjectID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyProjectID, id)
}

// ProjectIDFromContext extracts the project id from the context.
func ProjectIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyProjectID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
