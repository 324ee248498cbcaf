// Package sqlite is the embedded single-node run store used for local mode.
// It implements the same contract as the PostgreSQL store on top of
// modernc.org/sqlite, so no cgo toolchain is needed.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is fixed width so text timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a run store backed by a single SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (creating if needed) the database at path and applies the schema.
func New(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db dir: %w", err)
		}
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer at a time; this also keeps read-modify-write sequences
	// such as feedback merges serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: initialize schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Kind names the backend for health reporting.
func (s *Store) Kind() string { return "sqlite" }

// Close closes the database.
func (s *Store) Close(context.Context) error { return s.db.Close() }

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

// jsonText encodes v for a TEXT column; nil stays NULL.
func jsonText(v any) (any, error) {
	b, err := storage.EncodeJSON(v)
	if err != nil || b == nil {
		return nil, err
	}
	return string(b), nil
}

func tagsText(tags []string) (any, error) {
	if tags == nil {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode tags: %w", err)
	}
	return string(b), nil
}

// ProjectByKey finds the project whose public or private key equals key.
func (s *Store) ProjectByKey(ctx context.Context, key string) (model.Project, error) {
	var (
		p         model.Project
		id, creat string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, public_key, private_key, created_at FROM project
		 WHERE public_key = ? OR private_key = ? LIMIT 1`, key, key,
	).Scan(&id, &p.Name, &p.PublicKey, &p.PrivateKey, &creat)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Project{}, fmt.Errorf("sqlite: project by key: %w", storage.ErrNotFound)
	}
	if err != nil {
		return model.Project{}, fmt.Errorf("sqlite: project by key: %w", err)
	}
	if p.ID, err = uuid.Parse(id); err != nil {
		return model.Project{}, fmt.Errorf("sqlite: project id: %w", err)
	}
	if p.CreatedAt, err = parseTime(creat); err != nil {
		return model.Project{}, fmt.Errorf("sqlite: project created_at: %w", err)
	}
	return p, nil
}

// CreateProject inserts a project, assigning an id when p.ID is zero.
func (s *Store) CreateProject(ctx context.Context, p model.Project) (model.Project, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project (id, name, public_key, private_key, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID.String(), p.Name, p.PublicKey, p.PrivateKey, formatTime(p.CreatedAt),
	)
	if err != nil {
		return model.Project{}, fmt.Errorf("sqlite: create project: %w", err)
	}
	return p, nil
}

// UpsertExternalUser creates or refreshes the end-user row.
func (s *Store) UpsertExternalUser(ctx context.Context, projectID uuid.UUID, externalID string, props map[string]any, lastSeen time.Time) (int64, error) {
	propsText, err := jsonText(props)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO external_user (project_id, external_id, props, created_at, last_seen)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (external_id, project_id) DO UPDATE SET
		     props     = COALESCE(excluded.props, external_user.props),
		     last_seen = excluded.last_seen
		 RETURNING id`,
		projectID.String(), externalID, propsText, formatTime(time.Now()), formatTime(lastSeen),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sqlite: upsert external user: %w", err)
	}
	return id, nil
}

// InsertLog appends a log row.
func (s *Store) InsertLog(ctx context.Context, row model.LogRow) error {
	msg, err := jsonText(row.Message)
	if err != nil {
		return err
	}
	extra, err := jsonText(row.Extra)
	if err != nil {
		return err
	}
	if extra == nil {
		extra = "{}"
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO log (run_id, project_id, level, message, extra, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		row.RunID.String(), row.ProjectID.String(), row.Level, msg, extra, formatTime(row.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert log: %w", err)
	}
	return nil
}

// ListLogs returns the log rows of a run in creation order.
func (s *Store) ListLogs(ctx context.Context, projectID, runID uuid.UUID) ([]model.LogRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT level, message, extra, created_at FROM log
		 WHERE run_id = ? AND project_id = ? ORDER BY created_at, id`,
		runID.String(), projectID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list logs: %w", err)
	}
	defer rows.Close()

	var out []model.LogRow
	for rows.Next() {
		var (
			l         = model.LogRow{RunID: runID, ProjectID: projectID}
			msg       sql.NullString
			extra, at string
		)
		if err := rows.Scan(&l.Level, &msg, &extra, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan log: %w", err)
		}
		if l.Message, err = storage.DecodeJSON([]byte(msg.String)); err != nil {
			return nil, err
		}
		if l.Extra, err = storage.DecodeMap([]byte(extra)); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("sqlite: log created_at: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
