package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/model"
)

// UpsertThread creates the thread run of a chat, or refreshes its tags and
// user. The first message stays the thread's input.
func (db *DB) UpsertThread(ctx context.Context, thread model.Run) error {
	input, err := EncodeJSON(thread.Input)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO run (id, project_id, type, created_at, tags, external_user_id, input)
		 VALUES ($1, $2, 'thread', $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		     tags             = COALESCE(EXCLUDED.tags, run.tags),
		     external_user_id = COALESCE(EXCLUDED.external_user_id, run.external_user_id)
		 WHERE run.project_id = EXCLUDED.project_id`,
		thread.ID, thread.ProjectID, touch(thread.CreatedAt), thread.Tags, thread.ExternalUserID, input,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert thread: %w", err)
	}
	return nil
}

// InsertChatRun inserts one exchange of a chat thread.
func (db *DB) InsertChatRun(ctx context.Context, run model.Run) error {
	return db.InsertRun(ctx, run)
}

// AppendChatRun writes the grown input or output of a chat run and renames
// it to the newest message's id. Child references follow the rename through
// ON UPDATE CASCADE.
func (db *DB) AppendChatRun(ctx context.Context, projectID, runID uuid.UUID, u model.ChatRunUpdate) error {
	js, err := jsonArgs(u.Input, u.Output, u.Metadata, u.Feedback)
	if err != nil {
		return err
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE run SET
		     id               = $1,
		     ended_at         = $2,
		     input            = COALESCE($3, input),
		     output           = COALESCE($4, output),
		     metadata         = COALESCE($5, metadata),
		     feedback         = COALESCE($6, feedback),
		     tags             = COALESCE($7, tags),
		     external_user_id = COALESCE($8, external_user_id)
		 WHERE id = $9 AND project_id = $10`,
		u.NewID, u.EndedAt, js[0], js[1], js[2], js[3], u.Tags, u.ExternalUserID, runID, projectID,
	)
	if err != nil {
		return fmt.Errorf("storage: append chat run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: chat run %s: %w", runID, ErrNotFound)
	}
	return nil
}
