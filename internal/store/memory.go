package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nedcast/forecast-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string][]model.StateChange
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string][]model.StateChange),
	}
}

func (s *MemoryStore) StateHistory(_ context.Context, entityID string, start, end time.Time) ([]model.StateChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.states[entityID]
	lo := sort.Search(len(all), func(i int) bool { return !all[i].Timestamp.Before(start) })

	result := make([]model.StateChange, 0)
	for _, c := range all[lo:] {
		if c.Timestamp.After(end) {
			break
		}
		result = append(result, c)
	}
	return result, nil
}

func (s *MemoryStore) RecordStates(_ context.Context, entityID string, changes []model.StateChange) error {
	if entityID == "" {
		return ErrEmptyEntity
	}
	if len(changes) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byTime := make(map[int64]int, len(s.states[entityID]))
	merged := append([]model.StateChange(nil), s.states[entityID]...)
	for i, c := range merged {
		byTime[c.Timestamp.UnixNano()] = i
	}
	for _, c := range changes {
		c.Timestamp = c.Timestamp.UTC()
		if i, ok := byTime[c.Timestamp.UnixNano()]; ok {
			merged[i] = c
			continue
		}
		byTime[c.Timestamp.UnixNano()] = len(merged)
		merged = append(merged, c)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Timestamp.Before(merged[j].Timestamp) })

	s.states[entityID] = merged
	return nil
}

func (s *MemoryStore) Entities(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
