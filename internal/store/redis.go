package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nedcast/forecast-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the entity's cached
// windows; reads check Redis first then fall back to the primary.
//
// Cached windows are widened to whole hours so that repeated queries within
// the same hour share an entry; results are trimmed to the exact window.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) RecordStates(ctx context.Context, entityID string, changes []model.StateChange) error {
	if err := s.primary.RecordStates(ctx, entityID, changes); err != nil {
		return err
	}
	s.invalidate(ctx, entityID)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) StateHistory(ctx context.Context, entityID string, start, end time.Time) ([]model.StateChange, error) {
	from := start.UTC().Truncate(time.Hour)
	to := end.UTC().Truncate(time.Hour).Add(time.Hour)
	key := historyKey(entityID, from, to)

	// Try cache.
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var cached []model.StateChange
		if json.Unmarshal(data, &cached) == nil {
			return trim(cached, start, end), nil
		}
	}

	// Cache miss: read the widened window from primary.
	changes, err := s.primary.StateHistory(ctx, entityID, from, to)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(changes); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, key, data, s.ttl)
		pipe.SAdd(ctx, indexKey(entityID), key)
		pipe.Expire(ctx, indexKey(entityID), s.ttl)
		_, _ = pipe.Exec(ctx)
	}
	return trim(changes, start, end), nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Entities(ctx context.Context) ([]string, error) {
	return s.primary.Entities(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, entityID string) {
	keys, err := s.rdb.SMembers(ctx, indexKey(entityID)).Result()
	if err != nil || len(keys) == 0 {
		return
	}
	s.rdb.Del(ctx, append(keys, indexKey(entityID))...)
}

func trim(changes []model.StateChange, start, end time.Time) []model.StateChange {
	out := make([]model.StateChange, 0, len(changes))
	for _, c := range changes {
		if c.Timestamp.Before(start) || c.Timestamp.After(end) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func historyKey(entityID string, from, to time.Time) string {
	return fmt.Sprintf("history:%s:%d:%d", entityID, from.Unix(), to.Unix())
}
func indexKey(entityID string) string { return fmt.Sprintf("history-keys:%s", entityID) }
