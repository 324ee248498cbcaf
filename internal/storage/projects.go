package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiroku/internal/model"
)

// ProjectByKey finds the project whose public or private key equals key.
func (db *DB) ProjectByKey(ctx context.Context, key string) (model.Project, error) {
	var p model.Project
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, public_key, private_key, created_at
		 FROM project WHERE public_key = $1 OR private_key = $1
		 LIMIT 1`, key,
	).Scan(&p.ID, &p.Name, &p.PublicKey, &p.PrivateKey, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Project{}, fmt.Errorf("storage: project by key: %w", ErrNotFound)
	}
	if err != nil {
		return model.Project{}, fmt.Errorf("storage: project by key: %w", err)
	}
	return p, nil
}

// CreateProject inserts a project. A zero ID is assigned by the database.
func (db *DB) CreateProject(ctx context.Context, p model.Project) (model.Project, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO project (id, name, public_key, private_key)
		 VALUES (COALESCE($1, gen_random_uuid()), $2, $3, $4)
		 RETURNING id, created_at`,
		nullUUID(p.ID), p.Name, p.PublicKey, p.PrivateKey,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return model.Project{}, fmt.Errorf("storage: create project: %w", err)
	}
	return p, nil
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
