// Package model defines the core domain types for kiroku.
//
// Event is the transient, canonical shape every producer emits into.
// Run, ExternalUser and LogRow correspond directly to database tables.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusStarted RunStatus = "started"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// Run is one persisted execution unit: an LLM call, a tool call, an agent step
// or a chat thread. Created once by its start event, never deleted.
type Run struct {
	ID                uuid.UUID      `json:"id"`
	ProjectID         uuid.UUID      `json:"project_id"`
	ParentRunID       *uuid.UUID     `json:"parent_run_id,omitempty"`
	SiblingRunID      *uuid.UUID     `json:"sibling_run_id,omitempty"`
	Type              EventType      `json:"type"`
	Name              string         `json:"name,omitempty"`
	Status            RunStatus      `json:"status,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	EndedAt           *time.Time     `json:"ended_at,omitempty"`
	Params            map[string]any `json:"params,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Input             any            `json:"input,omitempty"`
	Output            any            `json:"output,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	PromptTokens      *int           `json:"prompt_tokens,omitempty"`
	CompletionTokens  *int           `json:"completion_tokens,omitempty"`
	Cost              *float64       `json:"cost,omitempty"`
	Feedback          map[string]any `json:"feedback,omitempty"`
	Error             *EventError    `json:"error,omitempty"`
	ExternalUserID    *int64         `json:"external_user_id,omitempty"`
	TemplateVersionID *string        `json:"template_version_id,omitempty"`
	Runtime           string         `json:"runtime,omitempty"`
}

// RunEnd carries the fields an end event writes onto an existing run.
// An end event reporting a failure carries Status error and the Error.
type RunEnd struct {
	ID               uuid.UUID
	EndedAt          time.Time
	Status           RunStatus
	Output           any
	Error            *EventError
	PromptTokens     *int
	CompletionTokens *int
	Cost             *float64
}

// FinalStatus is the status the run ends with; success when unset.
func (e RunEnd) FinalStatus() RunStatus {
	if e.Status == "" {
		return RunStatusSuccess
	}
	return e.Status
}

// RunFailure carries the fields an error event writes onto an existing run.
type RunFailure struct {
	ID      uuid.UUID
	EndedAt time.Time
	Error   *EventError
}

// PricingInput is the stored state of a run needed to price its end event.
type PricingInput struct {
	Name      string
	CreatedAt time.Time
	Input     any
	Params    map[string]any
}

// ExternalUser is an end-user of the instrumented application, unique per
// (ExternalID, ProjectID). Props and LastSeen are overwritten on each start.
type ExternalUser struct {
	ID         int64          `json:"id"`
	ProjectID  uuid.UUID      `json:"project_id"`
	ExternalID string         `json:"external_id"`
	Props      map[string]any `json:"props,omitempty"`
	LastSeen   time.Time      `json:"last_seen"`
}

// LogRow is a standalone log line attached to a run.
type LogRow struct {
	RunID     uuid.UUID      `json:"run_id"`
	ProjectID uuid.UUID      `json:"project_id"`
	Level     string         `json:"level"`
	Message   any            `json:"message,omitempty"`
	Extra     map[string]any `json:"extra"`
	CreatedAt time.Time      `json:"created_at"`
}

// ChatMessage is one message of a chat thread as stored in run input/output arrays.
type ChatMessage struct {
	Role     string         `json:"role"`
	Content  any            `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Project is the tenant every run belongs to. Only the fields needed to
// resolve ingest keys are modeled.
type Project struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	PublicKey  string    `json:"public_key"`
	PrivateKey string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChatRunUpdate is the partial update applied to the latest run of a chat
// thread when a message extends it. Nil fields are left unchanged. NewID
// renames the run so it is addressable by the newest message's run id.
type ChatRunUpdate struct {
	NewID          uuid.UUID
	EndedAt        time.Time
	Input          []any
	Output         []any
	Tags           []string
	Metadata       map[string]any
	ExternalUserID *int64
	Feedback       map[string]any
}
