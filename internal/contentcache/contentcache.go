// Package contentcache holds chat content that arrives as OTLP log records
// until the span it belongs to is translated.
//
// Entries are keyed by hex span id. Claim reads and removes an entry in one
// step. Entries nobody claims expire after the configured TTL, so partial
// data loss upstream cannot grow the cache without bound.
package contentcache

import (
	"context"
	"time"

	"github.com/ashita-ai/kiroku/internal/model"
)

// DefaultTTL is how long unclaimed content is kept.
const DefaultTTL = 5 * time.Minute

// Cache accumulates messages per span.
type Cache interface {
	Append(ctx context.Context, spanID string, msg model.ChatMessage) error
	Claim(ctx context.Context, spanID string) ([]model.ChatMessage, error)
	Close() error
}
