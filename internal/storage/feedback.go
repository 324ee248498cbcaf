package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiroku/internal/model"
)

const (
	feedbackMaxRetries = 3
	feedbackRetryDelay = 10 * time.Millisecond
)

// MergeFeedback shallow-merges patch into the run's stored feedback. The row
// is locked for the read-modify-write so concurrent feedback events for the
// same run never drop each other's keys. Returns false when the run does
// not exist.
func (db *DB) MergeFeedback(ctx context.Context, projectID, runID uuid.UUID, patch map[string]any) (bool, error) {
	var found bool
	err := WithRetry(ctx, feedbackMaxRetries, feedbackRetryDelay, func() error {
		var err error
		found, err = db.mergeFeedbackTx(ctx, projectID, runID, patch)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("storage: merge feedback: %w", err)
	}
	return found, nil
}

func (db *DB) mergeFeedbackTx(ctx context.Context, projectID, runID uuid.UUID, patch map[string]any) (bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current []byte
	err = tx.QueryRow(ctx,
		`SELECT feedback FROM run WHERE id = $1 AND project_id = $2 FOR UPDATE`, runID, projectID,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	existing, err := DecodeMap(current)
	if err != nil {
		return false, err
	}
	merged, err := EncodeJSON(model.MergeFeedback(existing, patch))
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE run SET feedback = $1 WHERE id = $2 AND project_id = $3`, merged, runID, projectID,
	); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}
