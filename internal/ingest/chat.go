package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/model"
)

var (
	outputRoles = map[string]bool{"assistant": true, "tool": true, "bot": true}
	inputRoles  = map[string]bool{"user": true, "system": true}
)

// Chat reconciles chat message events into the runs of a thread. A thread
// is a run of type thread; each exchange under it is a chat run whose input
// collects user/system messages and whose output collects assistant replies.
type Chat struct {
	store ChatStore
}

// NewChat returns a Chat over store.
func NewChat(store ChatStore) *Chat {
	return &Chat{store: store}
}

type chatMessage struct {
	Role     string
	Content  any
	IsRetry  bool
	Tags     []string
	Metadata map[string]any
	Extra    map[string]any
}

func parseChatMessage(v any) (chatMessage, error) {
	var msg chatMessage
	m, ok := v.(map[string]any)
	if !ok {
		return msg, fmt.Errorf("%w: chat message must be an object", model.ErrInvalidEvent)
	}
	msg.Role, _ = m["role"].(string)
	msg.Content = m["content"]
	msg.IsRetry, _ = m["isRetry"].(bool)
	msg.Metadata, _ = m["metadata"].(map[string]any)
	msg.Extra, _ = m["extra"].(map[string]any)
	if tags, ok := m["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				msg.Tags = append(msg.Tags, s)
			}
		}
	}
	if msg.Role == "" {
		return msg, fmt.Errorf("%w: chat message role is required", model.ErrInvalidEvent)
	}
	return msg, nil
}

// Ingest applies one chat event. userID is the already-resolved external
// user, or nil.
func (c *Chat) Ingest(ctx context.Context, projectID uuid.UUID, userID *int64, e model.Event) error {
	if e.ParentRunID == "" {
		return fmt.Errorf("%w: parentRunId is required for chat events", model.ErrInvalidEvent)
	}
	threadID, err := uuid.Parse(e.ParentRunID)
	if err != nil {
		return fmt.Errorf("%w: parentRunId: %v", model.ErrInvalidEvent, err)
	}
	runID, err := uuid.Parse(e.RunID)
	if err != nil {
		return fmt.Errorf("%w: runId: %v", model.ErrInvalidEvent, err)
	}
	msg, err := parseChatMessage(e.Message)
	if err != nil {
		return err
	}

	meta := msg.Metadata
	if meta == nil {
		meta = msg.Extra
	}
	core := map[string]any{"role": msg.Role, "content": msg.Content}
	if meta != nil {
		core["metadata"] = meta
	}

	if err := c.store.UpsertThread(ctx, model.Run{
		ID:             threadID,
		ProjectID:      projectID,
		Type:           model.TypeThread,
		CreatedAt:      e.Timestamp,
		Tags:           e.ThreadTags,
		Input:          core,
		ExternalUserID: userID,
	}); err != nil {
		return fmt.Errorf("ingest: upsert thread: %w", err)
	}

	prev, err := c.store.LatestChildRun(ctx, projectID, threadID)
	if err != nil {
		return fmt.Errorf("ingest: latest chat run: %w", err)
	}

	isOutput := outputRoles[msg.Role]
	isInput := inputRoles[msg.Role]

	newRun := func(input, output any) model.Run {
		endedAt := e.Timestamp
		return model.Run{
			ID:             runID,
			ProjectID:      projectID,
			ParentRunID:    &threadID,
			Type:           model.TypeChat,
			Status:         model.RunStatusSuccess,
			CreatedAt:      e.Timestamp,
			EndedAt:        &endedAt,
			Input:          input,
			Output:         output,
			Tags:           msg.Tags,
			Metadata:       meta,
			Feedback:       e.Feedback,
			ExternalUserID: userID,
		}
	}
	update := model.ChatRunUpdate{
		NewID:          runID,
		EndedAt:        e.Timestamp,
		Tags:           msg.Tags,
		Metadata:       meta,
		ExternalUserID: userID,
		Feedback:       e.Feedback,
	}

	switch {
	case prev == nil:
		var in, out any
		if isOutput {
			out = []any{core}
		} else {
			in = []any{core}
		}
		return c.insert(ctx, newRun(in, out))

	case msg.IsRetry:
		// A regenerated answer becomes a sibling of the run it replaces.
		retry := *prev
		retry.ID = runID
		retry.SiblingRunID = &prev.ID
		retry.Feedback = e.Feedback
		retry.CreatedAt = e.Timestamp
		endedAt := e.Timestamp
		retry.EndedAt = &endedAt
		retry.Output = nil
		if isOutput {
			retry.Output = []any{core}
		}
		if isInput {
			retry.Input = []any{core}
		}
		if msg.Tags != nil {
			retry.Tags = msg.Tags
		}
		if meta != nil {
			retry.Metadata = meta
		}
		if userID != nil {
			retry.ExternalUserID = userID
		}
		return c.insert(ctx, retry)

	case isOutput:
		update.Output = append(asList(prev.Output), core)
		return c.append(ctx, projectID, prev.ID, update)

	case isInput && !isEmptyOutput(prev.Output):
		return c.insert(ctx, newRun([]any{core}, nil))

	default:
		update.Input = append(asList(prev.Input), core)
		return c.append(ctx, projectID, prev.ID, update)
	}
}

func (c *Chat) insert(ctx context.Context, run model.Run) error {
	if err := c.store.InsertChatRun(ctx, run); err != nil {
		return fmt.Errorf("ingest: insert chat run: %w", err)
	}
	return nil
}

func (c *Chat) append(ctx context.Context, projectID, runID uuid.UUID, update model.ChatRunUpdate) error {
	if err := c.store.AppendChatRun(ctx, projectID, runID, update); err != nil {
		return fmt.Errorf("ingest: update chat run: %w", err)
	}
	return nil
}

func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, len(t), len(t)+1)
		copy(out, t)
		return out
	default:
		return []any{t}
	}
}

func isEmptyOutput(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case []any:
		return len(t) == 0
	default:
		return false
	}
}
