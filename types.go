package kiroku

import "time"

// Event is the public view of an ingested event, passed to EventHook.
// Payloads (input, output, params) are not included.
type Event struct {
	Kind        string
	Type        string
	RunID       string
	ParentRunID string
	Name        string
	Timestamp   time.Time
	UserID      string
	Tags        []string
	Metadata    map[string]any
}

// Result is the per-event ingest outcome.
type Result struct {
	ID      string
	Success bool
	Error   string
}

// ModelCost is the price of a model family in USD per 1000 tokens.
type ModelCost struct {
	Models     []string
	InputCost  float64
	OutputCost float64
}
