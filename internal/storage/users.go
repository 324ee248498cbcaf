package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/model"
)

// UpsertExternalUser creates the end-user row for (externalID, projectID) or
// refreshes its last_seen and props. Props are only replaced when provided.
func (db *DB) UpsertExternalUser(ctx context.Context, projectID uuid.UUID, externalID string, props map[string]any, lastSeen time.Time) (int64, error) {
	propsJSON, err := EncodeJSON(props)
	if err != nil {
		return 0, err
	}
	var id int64
	err = db.pool.QueryRow(ctx,
		`INSERT INTO external_user (project_id, external_id, props, last_seen)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (external_id, project_id) DO UPDATE SET
		     props     = COALESCE(EXCLUDED.props, external_user.props),
		     last_seen = EXCLUDED.last_seen
		 RETURNING id`,
		projectID, externalID, propsJSON, touch(lastSeen),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("storage: upsert external user: %w", err)
	}
	return id, nil
}

// InsertLog appends a log row.
func (db *DB) InsertLog(ctx context.Context, row model.LogRow) error {
	js, err := jsonArgs(row.Message, row.Extra)
	if err != nil {
		return err
	}
	if js[1] == nil {
		js[1] = []byte(`{}`)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO log (run_id, project_id, level, message, extra, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		row.RunID, row.ProjectID, row.Level, js[0], js[1], touch(row.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: insert log: %w", err)
	}
	return nil
}

// ListLogs returns the log rows of a run in creation order.
func (db *DB) ListLogs(ctx context.Context, projectID, runID uuid.UUID) ([]model.LogRow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT run_id, project_id, level, message, extra, created_at
		 FROM log WHERE run_id = $1 AND project_id = $2
		 ORDER BY created_at, id`, runID, projectID)
	if err != nil {
		return nil, fmt.Errorf("storage: list logs: %w", err)
	}
	defer rows.Close()

	var out []model.LogRow
	for rows.Next() {
		var (
			l          model.LogRow
			msg, extra []byte
		)
		if err := rows.Scan(&l.RunID, &l.ProjectID, &l.Level, &msg, &extra, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan log: %w", err)
		}
		if l.Message, err = DecodeJSON(msg); err != nil {
			return nil, err
		}
		if l.Extra, err = DecodeMap(extra); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
