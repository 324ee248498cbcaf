package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

const runColumns = `id, project_id, parent_run_id, sibling_run_id, type, name, status, created_at, ended_at,
	params, metadata, input, output, error, feedback, tags, prompt_tokens, completion_tokens, cost,
	external_user_id, template_version_id, runtime`

// runArgs encodes the columns of runColumns in order.
func runArgs(run model.Run) ([]any, error) {
	js := make([]any, 0, 6)
	for _, v := range []any{run.Params, run.Metadata, run.Input, run.Output, run.Error, run.Feedback} {
		t, err := jsonText(v)
		if err != nil {
			return nil, err
		}
		js = append(js, t)
	}
	tags, err := tagsText(run.Tags)
	if err != nil {
		return nil, err
	}
	var tmpl any
	if run.TemplateVersionID != nil {
		tmpl = *run.TemplateVersionID
	}
	return []any{
		run.ID.String(), run.ProjectID.String(), nullID(run.ParentRunID), nullID(run.SiblingRunID),
		string(run.Type), nullString(run.Name), nullString(string(run.Status)),
		formatTime(run.CreatedAt), nullTime(run.EndedAt),
		js[0], js[1], js[2], js[3], js[4], js[5], tags,
		run.PromptTokens, run.CompletionTokens, run.Cost,
		run.ExternalUserID, tmpl, nullString(run.Runtime),
	}, nil
}

// InsertRun inserts a started run. A second start for the same id is ignored.
func (s *Store) InsertRun(ctx context.Context, run model.Run) error {
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: insert run: %w", err)
	}
	return nil
}

// InsertChatRun inserts one exchange of a chat thread.
func (s *Store) InsertChatRun(ctx context.Context, run model.Run) error {
	return s.InsertRun(ctx, run)
}

// UpsertCompletedRun inserts a finished run, or finishes an existing run of
// the same project.
func (s *Store) UpsertCompletedRun(ctx context.Context, run model.Run) error {
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     status            = excluded.status,
		     ended_at          = excluded.ended_at,
		     output            = COALESCE(excluded.output, run.output),
		     error             = COALESCE(excluded.error, run.error),
		     input             = COALESCE(run.input, excluded.input),
		     name              = COALESCE(run.name, excluded.name),
		     prompt_tokens     = COALESCE(excluded.prompt_tokens, run.prompt_tokens),
		     completion_tokens = COALESCE(excluded.completion_tokens, run.completion_tokens),
		     cost              = COALESCE(excluded.cost, run.cost)
		 WHERE run.project_id = excluded.project_id AND run.ended_at IS NULL`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: upsert completed run: %w", err)
	}
	return nil
}

// EndRun finishes a run that has not ended yet. A run that already ended is
// left untouched. Returns false when the run does not exist.
func (s *Store) EndRun(ctx context.Context, projectID uuid.UUID, end model.RunEnd) (bool, error) {
	out, err := jsonText(end.Output)
	if err != nil {
		return false, err
	}
	errText, err := jsonText(end.Error)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE run SET
		     ended_at          = ?,
		     output            = ?,
		     status            = ?,
		     error             = COALESCE(?, error),
		     prompt_tokens     = COALESCE(?, prompt_tokens),
		     completion_tokens = COALESCE(?, completion_tokens),
		     cost              = COALESCE(?, cost)
		 WHERE id = ? AND project_id = ? AND ended_at IS NULL`,
		formatTime(end.EndedAt), out, string(end.FinalStatus()), errText,
		end.PromptTokens, end.CompletionTokens, end.Cost,
		end.ID.String(), projectID.String())
	if err != nil {
		return false, fmt.Errorf("sqlite: end run: %w", err)
	}
	return s.appliedOrExists(ctx, res, projectID, end.ID)
}

// FailRun marks a run that has not ended yet as failed. Returns false when
// the run does not exist.
func (s *Store) FailRun(ctx context.Context, projectID uuid.UUID, failure model.RunFailure) (bool, error) {
	errText, err := jsonText(failure.Error)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE run SET ended_at = ?, status = 'error', error = ?
		 WHERE id = ? AND project_id = ? AND ended_at IS NULL`,
		formatTime(failure.EndedAt), errText, failure.ID.String(), projectID.String())
	if err != nil {
		return false, fmt.Errorf("sqlite: fail run: %w", err)
	}
	return s.appliedOrExists(ctx, res, projectID, failure.ID)
}

// appliedOrExists reports true when the update hit a row, or when the run
// exists but had already ended.
func (s *Store) appliedOrExists(ctx context.Context, res sql.Result, projectID, runID uuid.UUID) (bool, error) {
	ok, err := affected(res)
	if err != nil || ok {
		return ok, err
	}
	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM run WHERE id = ? AND project_id = ?)`,
		runID.String(), projectID.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: run exists: %w", err)
	}
	return exists, nil
}

// ParentRunUser reports whether runID exists and its external user.
func (s *Store) ParentRunUser(ctx context.Context, projectID, runID uuid.UUID) (*int64, bool, error) {
	var user sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT external_user_id FROM run WHERE id = ? AND project_id = ?`,
		runID.String(), projectID.String()).Scan(&user)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: parent run user: %w", err)
	}
	if !user.Valid {
		return nil, true, nil
	}
	return &user.Int64, true, nil
}

// RunForPricing loads the stored fields an llm end event is priced from.
func (s *Store) RunForPricing(ctx context.Context, projectID, runID uuid.UUID) (model.PricingInput, bool, error) {
	var (
		in                  model.PricingInput
		name, input, params sql.NullString
		created             string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, created_at, input, params FROM run WHERE id = ? AND project_id = ?`,
		runID.String(), projectID.String()).Scan(&name, &created, &input, &params)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PricingInput{}, false, nil
	}
	if err != nil {
		return model.PricingInput{}, false, fmt.Errorf("sqlite: run for pricing: %w", err)
	}
	in.Name = name.String
	if in.CreatedAt, err = parseTime(created); err != nil {
		return model.PricingInput{}, false, fmt.Errorf("sqlite: run created_at: %w", err)
	}
	if in.Input, err = storage.DecodeJSON([]byte(input.String)); err != nil {
		return model.PricingInput{}, false, err
	}
	if in.Params, err = storage.DecodeMap([]byte(params.String)); err != nil {
		return model.PricingInput{}, false, err
	}
	return in, true, nil
}

// MergeFeedback shallow-merges patch into the run's feedback inside a
// transaction. Returns false when the run does not exist.
func (s *Store) MergeFeedback(ctx context.Context, projectID, runID uuid.UUID, patch map[string]any) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite: merge feedback: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT feedback FROM run WHERE id = ? AND project_id = ?`,
		runID.String(), projectID.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: merge feedback: %w", err)
	}
	existing, err := storage.DecodeMap([]byte(current.String))
	if err != nil {
		return false, err
	}
	merged, err := jsonText(model.MergeFeedback(existing, patch))
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE run SET feedback = ? WHERE id = ? AND project_id = ?`,
		merged, runID.String(), projectID.String()); err != nil {
		return false, fmt.Errorf("sqlite: merge feedback: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlite: merge feedback: %w", err)
	}
	return true, nil
}

// UpsertThread creates the thread run of a chat, or refreshes its tags and user.
func (s *Store) UpsertThread(ctx context.Context, thread model.Run) error {
	input, err := jsonText(thread.Input)
	if err != nil {
		return err
	}
	tags, err := tagsText(thread.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run (id, project_id, type, created_at, tags, external_user_id, input)
		 VALUES (?, ?, 'thread', ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     tags             = COALESCE(excluded.tags, run.tags),
		     external_user_id = COALESCE(excluded.external_user_id, run.external_user_id)
		 WHERE run.project_id = excluded.project_id`,
		thread.ID.String(), thread.ProjectID.String(), formatTime(thread.CreatedAt), tags, thread.ExternalUserID, input)
	if err != nil {
		return fmt.Errorf("sqlite: upsert thread: %w", err)
	}
	return nil
}

// AppendChatRun writes the grown input or output of a chat run and renames it.
func (s *Store) AppendChatRun(ctx context.Context, projectID, runID uuid.UUID, u model.ChatRunUpdate) error {
	var enc [4]any
	for i, v := range []any{u.Input, u.Output, u.Metadata, u.Feedback} {
		t, err := jsonText(v)
		if err != nil {
			return err
		}
		enc[i] = t
	}
	tags, err := tagsText(u.Tags)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE run SET
		     id               = ?,
		     ended_at         = ?,
		     input            = COALESCE(?, input),
		     output           = COALESCE(?, output),
		     metadata         = COALESCE(?, metadata),
		     feedback         = COALESCE(?, feedback),
		     tags             = COALESCE(?, tags),
		     external_user_id = COALESCE(?, external_user_id)
		 WHERE id = ? AND project_id = ?`,
		u.NewID.String(), formatTime(u.EndedAt), enc[0], enc[1], enc[2], enc[3], tags, u.ExternalUserID,
		runID.String(), projectID.String())
	if err != nil {
		return fmt.Errorf("sqlite: append chat run: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sqlite: chat run %s: %w", runID, storage.ErrNotFound)
	}
	return nil
}

// GetRun retrieves a run by ID, scoped to the given project.
func (s *Store) GetRun(ctx context.Context, projectID, id uuid.UUID) (model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM run WHERE id = ? AND project_id = ?`, id.String(), projectID.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, fmt.Errorf("sqlite: run %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	return run, nil
}

// LatestChildRun returns the most recently created child of threadID, or nil.
func (s *Store) LatestChildRun(ctx context.Context, projectID, threadID uuid.UUID) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM run WHERE parent_run_id = ? AND project_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, threadID.String(), projectID.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: latest child run: %w", err)
	}
	return &run, nil
}

func scanRun(row *sql.Row) (model.Run, error) {
	var (
		run                                    model.Run
		id, projectID, runType, created        string
		parent, sibling, name, status, ended   sql.NullString
		params, metadata, input, output, errJS sql.NullString
		feedback, tags, tmpl, runtime          sql.NullString
		prompt, completion, user               sql.NullInt64
		cost                                   sql.NullFloat64
	)
	if err := row.Scan(&id, &projectID, &parent, &sibling, &runType, &name, &status, &created, &ended,
		&params, &metadata, &input, &output, &errJS, &feedback, &tags, &prompt, &completion, &cost,
		&user, &tmpl, &runtime); err != nil {
		return model.Run{}, err
	}

	var err error
	if run.ID, err = uuid.Parse(id); err != nil {
		return model.Run{}, err
	}
	if run.ProjectID, err = uuid.Parse(projectID); err != nil {
		return model.Run{}, err
	}
	if run.ParentRunID, err = parseNullID(parent); err != nil {
		return model.Run{}, err
	}
	if run.SiblingRunID, err = parseNullID(sibling); err != nil {
		return model.Run{}, err
	}
	run.Type = model.EventType(runType)
	run.Name = name.String
	run.Status = model.RunStatus(status.String)
	run.Runtime = runtime.String
	if run.CreatedAt, err = parseTime(created); err != nil {
		return model.Run{}, err
	}
	if ended.Valid {
		t, err := parseTime(ended.String)
		if err != nil {
			return model.Run{}, err
		}
		run.EndedAt = &t
	}

	if run.Params, err = storage.DecodeMap([]byte(params.String)); err != nil {
		return model.Run{}, err
	}
	if run.Metadata, err = storage.DecodeMap([]byte(metadata.String)); err != nil {
		return model.Run{}, err
	}
	if run.Input, err = storage.DecodeJSON([]byte(input.String)); err != nil {
		return model.Run{}, err
	}
	if run.Output, err = storage.DecodeJSON([]byte(output.String)); err != nil {
		return model.Run{}, err
	}
	if run.Feedback, err = storage.DecodeMap([]byte(feedback.String)); err != nil {
		return model.Run{}, err
	}
	if run.Error, err = storage.DecodeError([]byte(errJS.String)); err != nil {
		return model.Run{}, err
	}
	if tags.Valid {
		if err := json.Unmarshal([]byte(tags.String), &run.Tags); err != nil {
			return model.Run{}, fmt.Errorf("sqlite: decode tags: %w", err)
		}
	}
	if prompt.Valid {
		n := int(prompt.Int64)
		run.PromptTokens = &n
	}
	if completion.Valid {
		n := int(completion.Int64)
		run.CompletionTokens = &n
	}
	if cost.Valid {
		run.Cost = &cost.Float64
	}
	if user.Valid {
		run.ExternalUserID = &user.Int64
	}
	if tmpl.Valid {
		run.TemplateVersionID = &tmpl.String
	}
	return run, nil
}

func parseNullID(s sql.NullString) (*uuid.UUID, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return n > 0, nil
}
