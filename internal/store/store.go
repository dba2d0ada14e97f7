// Package store defines the historical-state persistence interface for the
// forecast engine. Implementations include PostgreSQL (source of truth),
// Redis (read-through cache), and in-memory (for testing and single-node runs).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nedcast/forecast-engine/internal/model"
)

// ErrEmptyEntity is returned when a write names no entity.
var ErrEmptyEntity = errors.New("store: entity id is required")

// Store is the historical-state interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	// StateHistory returns the state changes of entityID with
	// start <= timestamp <= end, oldest first. An entity without history
	// yields an empty slice and no error.
	StateHistory(ctx context.Context, entityID string, start, end time.Time) ([]model.StateChange, error)

	// RecordStates appends state changes for entityID. A change with the
	// same timestamp as an existing one replaces it.
	RecordStates(ctx context.Context, entityID string, changes []model.StateChange) error

	// Entities lists every entity with at least one recorded state.
	Entities(ctx context.Context) ([]string, error)
}
