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

const runColumns = `id, project_id, parent_run_id, sibling_run_id, type, name, status, created_at, ended_at,
	params, metadata, input, output, error, feedback, tags, prompt_tokens, completion_tokens, cost,
	external_user_id, template_version_id, runtime`

// InsertRun inserts a started run. A second start for the same id is ignored,
// which makes redelivered batches harmless.
func (db *DB) InsertRun(ctx context.Context, run model.Run) error {
	js, err := jsonArgs(run.Params, run.Metadata, run.Input, run.Output, run.Error, run.Feedback)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO run (id, project_id, parent_run_id, sibling_run_id, type, name, status, created_at, ended_at,
		                  params, metadata, input, output, error, feedback, tags, prompt_tokens, completion_tokens, cost,
		                  external_user_id, template_version_id, runtime)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, NULLIF($22, ''))
		 ON CONFLICT (id) DO NOTHING`,
		run.ID, run.ProjectID, run.ParentRunID, run.SiblingRunID, string(run.Type), run.Name, string(run.Status),
		run.CreatedAt, run.EndedAt, js[0], js[1], js[2], js[3], js[4], js[5], run.Tags,
		run.PromptTokens, run.CompletionTokens, run.Cost,
		run.ExternalUserID, run.TemplateVersionID, run.Runtime,
	)
	if err != nil {
		return fmt.Errorf("storage: insert run: %w", err)
	}
	return nil
}

// UpsertCompletedRun inserts a finished run, or finishes an existing run of
// the same project. Input and name already on the row are kept.
func (db *DB) UpsertCompletedRun(ctx context.Context, run model.Run) error {
	js, err := jsonArgs(run.Params, run.Metadata, run.Input, run.Output, run.Error)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO run (id, project_id, parent_run_id, type, name, status, created_at, ended_at,
		                  params, metadata, input, output, error, tags, prompt_tokens, completion_tokens, cost,
		                  external_user_id, template_version_id, runtime)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, NULLIF($20, ''))
		 ON CONFLICT (id) DO UPDATE SET
		     status            = EXCLUDED.status,
		     ended_at          = EXCLUDED.ended_at,
		     output            = COALESCE(EXCLUDED.output, run.output),
		     error             = COALESCE(EXCLUDED.error, run.error),
		     input             = COALESCE(run.input, EXCLUDED.input),
		     name              = COALESCE(run.name, EXCLUDED.name),
		     prompt_tokens     = COALESCE(EXCLUDED.prompt_tokens, run.prompt_tokens),
		     completion_tokens = COALESCE(EXCLUDED.completion_tokens, run.completion_tokens),
		     cost              = COALESCE(EXCLUDED.cost, run.cost)
		 WHERE run.project_id = EXCLUDED.project_id AND run.ended_at IS NULL`,
		run.ID, run.ProjectID, run.ParentRunID, string(run.Type), run.Name, string(run.Status),
		run.CreatedAt, run.EndedAt, js[0], js[1], js[2], js[3], js[4], run.Tags,
		run.PromptTokens, run.CompletionTokens, run.Cost,
		run.ExternalUserID, run.TemplateVersionID, run.Runtime,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert completed run: %w", err)
	}
	return nil
}

// EndRun finishes a run that has not ended yet. Token counts, cost and error
// are only overwritten when provided. A run that already ended is left
// untouched. Returns false when the run does not exist.
func (db *DB) EndRun(ctx context.Context, projectID uuid.UUID, end model.RunEnd) (bool, error) {
	js, err := jsonArgs(end.Output, end.Error)
	if err != nil {
		return false, err
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE run SET
		     ended_at          = $1,
		     output            = $2,
		     status            = $3,
		     error             = COALESCE($4, error),
		     prompt_tokens     = COALESCE($5, prompt_tokens),
		     completion_tokens = COALESCE($6, completion_tokens),
		     cost              = COALESCE($7, cost)
		 WHERE id = $8 AND project_id = $9 AND ended_at IS NULL`,
		end.EndedAt, js[0], string(end.FinalStatus()), js[1],
		end.PromptTokens, end.CompletionTokens, end.Cost, end.ID, projectID,
	)
	if err != nil {
		return false, fmt.Errorf("storage: end run: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	return db.runExists(ctx, projectID, end.ID)
}

// FailRun marks a run that has not ended yet as failed. A run that already
// ended is left untouched. Returns false when the run does not exist.
func (db *DB) FailRun(ctx context.Context, projectID uuid.UUID, failure model.RunFailure) (bool, error) {
	errJSON, err := EncodeJSON(failure.Error)
	if err != nil {
		return false, err
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE run SET ended_at = $1, status = 'error', error = $2
		 WHERE id = $3 AND project_id = $4 AND ended_at IS NULL`,
		failure.EndedAt, errJSON, failure.ID, projectID,
	)
	if err != nil {
		return false, fmt.Errorf("storage: fail run: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	return db.runExists(ctx, projectID, failure.ID)
}

func (db *DB) runExists(ctx context.Context, projectID, runID uuid.UUID) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM run WHERE id = $1 AND project_id = $2)`, runID, projectID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: run exists: %w", err)
	}
	return exists, nil
}

// ParentRunUser reports whether runID exists in the project and the
// external user it is attributed to.
func (db *DB) ParentRunUser(ctx context.Context, projectID, runID uuid.UUID) (*int64, bool, error) {
	var userID *int64
	err := db.pool.QueryRow(ctx,
		`SELECT external_user_id FROM run WHERE id = $1 AND project_id = $2`, runID, projectID,
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: parent run user: %w", err)
	}
	return userID, true, nil
}

// RunForPricing loads the stored fields an llm end event is priced from.
func (db *DB) RunForPricing(ctx context.Context, projectID, runID uuid.UUID) (model.PricingInput, bool, error) {
	var (
		in            model.PricingInput
		name          *string
		input, params []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT name, created_at, input, params FROM run WHERE id = $1 AND project_id = $2`, runID, projectID,
	).Scan(&name, &in.CreatedAt, &input, &params)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PricingInput{}, false, nil
	}
	if err != nil {
		return model.PricingInput{}, false, fmt.Errorf("storage: run for pricing: %w", err)
	}
	if name != nil {
		in.Name = *name
	}
	if in.Input, err = DecodeJSON(input); err != nil {
		return model.PricingInput{}, false, err
	}
	if in.Params, err = DecodeMap(params); err != nil {
		return model.PricingInput{}, false, err
	}
	return in, true, nil
}

// GetRun retrieves a run by ID, scoped to the given project.
func (db *DB) GetRun(ctx context.Context, projectID, id uuid.UUID) (model.Run, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM run WHERE id = $1 AND project_id = $2`, id, projectID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// LatestChildRun returns the most recently created child of threadID, or
// nil when it has none.
func (db *DB) LatestChildRun(ctx context.Context, projectID, threadID uuid.UUID) (*model.Run, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM run
		 WHERE parent_run_id = $1 AND project_id = $2
		 ORDER BY created_at DESC
		 LIMIT 1`, threadID, projectID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: latest child run: %w", err)
	}
	return &run, nil
}

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		run                                              model.Run
		runType                                          string
		name, status, runtime                            *string
		params, metadata, input, output, errJSON, fbJSON []byte
	)
	if err := row.Scan(
		&run.ID, &run.ProjectID, &run.ParentRunID, &run.SiblingRunID, &runType, &name, &status,
		&run.CreatedAt, &run.EndedAt, &params, &metadata, &input, &output, &errJSON, &fbJSON,
		&run.Tags, &run.PromptTokens, &run.CompletionTokens, &run.Cost,
		&run.ExternalUserID, &run.TemplateVersionID, &runtime,
	); err != nil {
		return model.Run{}, err
	}
	run.Type = model.EventType(runType)
	if name != nil {
		run.Name = *name
	}
	if status != nil {
		run.Status = model.RunStatus(*status)
	}
	if runtime != nil {
		run.Runtime = *runtime
	}

	var err error
	if run.Params, err = DecodeMap(params); err != nil {
		return model.Run{}, err
	}
	if run.Metadata, err = DecodeMap(metadata); err != nil {
		return model.Run{}, err
	}
	if run.Input, err = DecodeJSON(input); err != nil {
		return model.Run{}, err
	}
	if run.Output, err = DecodeJSON(output); err != nil {
		return model.Run{}, err
	}
	if run.Feedback, err = DecodeMap(fbJSON); err != nil {
		return model.Run{}, err
	}
	if run.Error, err = DecodeError(errJSON); err != nil {
		return model.Run{}, err
	}
	run.CreatedAt = run.CreatedAt.UTC()
	if run.EndedAt != nil {
		t := run.EndedAt.UTC()
		run.EndedAt = &t
	}
	return run, nil
}

// touch is the write time used when a caller leaves a timestamp unset.
func touch(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
