// Package intent persists the "a job is in flight" record for each entity so a
// restarted tracker can resume polling instead of losing the job.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/anglestudio/internal/cache"
	"github.com/kiranshivaraju/anglestudio/pkg/models"
)

// ErrCorrupted is returned by Load when the stored slot cannot be decoded.
var ErrCorrupted = errors.New("durable intent corrupted")

// Store is the durable slot contract, keyed by owning entity id.
type Store interface {
	Save(ctx context.Context, in models.Intent) error
	// Load returns nil, nil when no intent is stored for the entity.
	Load(ctx context.Context, entityID string) (*models.Intent, error)
	Clear(ctx context.Context, entityID string) error
	// List returns the entity ids that currently hold an intent.
	List(ctx context.Context) ([]string, error)
}

// CacheStore keeps intents as JSON values in the shared cache.
type CacheStore struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewCacheStore creates a CacheStore. ttl bounds how long a forgotten slot lives.
func NewCacheStore(c cache.Cache, ttl time.Duration) *CacheStore {
	return &CacheStore{cache: c, ttl: ttl}
}

func (s *CacheStore) Save(ctx context.Context, in models.Intent) error {
	if in.EntityID == "" {
		return fmt.Errorf("save intent: entity id is required")
	}
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	if err := s.cache.Set(ctx, cache.IntentKey(in.EntityID), b, s.ttl); err != nil {
		return fmt.Errorf("save intent: %w", err)
	}
	return nil
}

func (s *CacheStore) Load(ctx context.Context, entityID string) (*models.Intent, error) {
	b, found, err := s.cache.Get(ctx, cache.IntentKey(entityID))
	if err != nil {
		return nil, fmt.Errorf("load intent: %w", err)
	}
	if !found {
		return nil, nil
	}

	var in models.Intent
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if in.EntityID != entityID || len(in.RequestedUnits) == 0 || in.StartedAt.IsZero() {
		return nil, fmt.Errorf("%w: incomplete record for entity %q", ErrCorrupted, entityID)
	}
	return &in, nil
}

func (s *CacheStore) Clear(ctx context.Context, entityID string) error {
	if err := s.cache.Delete(ctx, cache.IntentKey(entityID)); err != nil {
		return fmt.Errorf("clear intent: %w", err)
	}
	return nil
}

func (s *CacheStore) List(ctx context.Context) ([]string, error) {
	keys, err := s.cache.Keys(ctx, cache.IntentPattern())
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if id, ok := cache.EntityFromIntentKey(k); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Compile-time check that CacheStore implements Store.
var _ Store = (*CacheStore)(nil)
