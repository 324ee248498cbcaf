// Package projects resolves the project key presented by a client to the
// project its telemetry belongs to.
package projects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

var (
	// ErrUnknownProject is returned when a key matches no project.
	ErrUnknownProject = errors.New("projects: unknown project key")
	// ErrNoProjectKey is returned when no key source yielded a key.
	ErrNoProjectKey = errors.New("projects: no project key provided")
)

// DefaultCacheTTL is how long a resolved key stays cached.
const DefaultCacheTTL = time.Minute

// Store looks up projects by key.
type Store interface {
	ProjectByKey(ctx context.Context, key string) (model.Project, error)
	CreateProject(ctx context.Context, p model.Project) (model.Project, error)
}

// Resolver maps project keys to project ids with a TTL cache. Concurrent
// misses for the same key share one store lookup.
type Resolver struct {
	store  Store
	cache  *keyCache
	group  singleflight.Group
	logger *slog.Logger
}

// NewResolver creates a Resolver. A ttl of zero uses DefaultCacheTTL.
// Call Close to stop the cache eviction goroutine.
func NewResolver(store Store, ttl time.Duration, logger *slog.Logger) *Resolver {
	r := newResolver(store, ttl, time.Now, logger)
	go r.cache.evictLoop()
	return r
}

func newResolver(store Store, ttl time.Duration, now func() time.Time, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{store: store, cache: newKeyCache(ttl, now), logger: logger}
}

// Resolve returns the id of the project owning key, as public or private key.
func (r *Resolver) Resolve(ctx context.Context, key string) (uuid.UUID, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return uuid.Nil, ErrNoProjectKey
	}
	if id, ok := r.cache.get(key); ok {
		return id, nil
	}

	// Lookups run detached from the first caller's context so its
	// cancellation does not fail the other waiters.
	v, err, _ := r.group.Do(key, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		p, err := r.store.ProjectByKey(lookupCtx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, ErrUnknownProject
		}
		if err != nil {
			return uuid.Nil, fmt.Errorf("projects: resolve: %w", err)
		}
		r.cache.set(key, p.ID)
		return p.ID, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return v.(uuid.UUID), nil
}

// EnsureFallback makes sure a project owning key exists, creating a
// "default" project with key as its public and private key when none does.
func (r *Resolver) EnsureFallback(ctx context.Context, key string) (uuid.UUID, error) {
	id, err := r.Resolve(ctx, key)
	if err == nil || !errors.Is(err, ErrUnknownProject) {
		return id, err
	}
	p, err := r.store.CreateProject(ctx, model.Project{Name: "default", PublicKey: key, PrivateKey: key})
	if err != nil {
		return uuid.Nil, fmt.Errorf("projects: create fallback project: %w", err)
	}
	r.logger.Info("projects: created fallback project", "project_id", p.ID)
	r.cache.set(key, p.ID)
	return p.ID, nil
}

// Close stops the cache eviction goroutine.
func (r *Resolver) Close() {
	r.cache.close()
}

// FirstKey returns the first non-blank candidate, in the order given.
// Callers pass key sources in precedence order.
func FirstKey(candidates ...string) string {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// EventKey returns the project key carried in an event's metadata under
// project_key or projectKey.
func EventKey(e model.Event) string {
	for _, k := range []string{"project_key", "projectKey"} {
		if s, ok := e.Metadata[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
