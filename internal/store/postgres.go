package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nedcast/forecast-engine/internal/model"
)

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

const schema = `CREATE TABLE IF NOT EXISTS state_changes (
	entity_id  TEXT        NOT NULL,
	changed_at TIMESTAMPTZ NOT NULL,
	state      TEXT        NOT NULL,
	PRIMARY KEY (entity_id, changed_at)
)`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// States are stored verbatim as TEXT; parsing happens in the feature builder.
type PostgresStore struct {
	pool DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool DB) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the state_changes table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) StateHistory(ctx context.Context, entityID string, start, end time.Time) ([]model.StateChange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT changed_at, state
		 FROM state_changes
		 WHERE entity_id = $1 AND changed_at >= $2 AND changed_at <= $3
		 ORDER BY changed_at`, entityID, start, end)
	if err != nil {
		return nil, fmt.Errorf("state history %s: %w", entityID, err)
	}
	defer rows.Close()

	return scanStateChanges(rows)
}

func (s *PostgresStore) RecordStates(ctx context.Context, entityID string, changes []model.StateChange) error {
	if entityID == "" {
		return ErrEmptyEntity
	}
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("record states %s: %w", entityID, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, c := range changes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO state_changes (entity_id, changed_at, state)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (entity_id, changed_at) DO UPDATE SET state = EXCLUDED.state`,
			entityID, c.Timestamp.UTC(), c.State,
		); err != nil {
			return fmt.Errorf("record states %s: %w", entityID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Entities(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT entity_id FROM state_changes ORDER BY entity_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// pgxRows is the part of pgx.Rows the scanner reads.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanStateChanges(rows pgxRows) ([]model.StateChange, error) {
	changes := make([]model.StateChange, 0)
	for rows.Next() {
		var c model.StateChange
		if err := rows.Scan(&c.Timestamp, &c.State); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
