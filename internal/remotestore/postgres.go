package remotestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/takewright/internal/persist"
	"github.com/MrWong99/takewright/internal/review"
)

// Schema is the SQL DDL for the pick_states table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS pick_states (
    production_id TEXT        NOT NULL,
    segment_index INT         NOT NULL,
    state         JSONB       NOT NULL,
    saved_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (production_id, segment_index)
);
`

// Compile-time interface assertion.
var _ persist.Store = (*PostgresStore)(nil)

// PostgresStore is a [persist.Store] backed by PostgreSQL, one JSONB row
// per segment.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and runs [PostgresStore.Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("remotestore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("remotestore: ping: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [Schema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("remotestore: migrate: %w", err)
	}
	return nil
}

// Ping checks the connection. Used by the readiness probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Load implements [persist.Store].
func (s *PostgresStore) Load(ctx context.Context, production string) ([]review.PickState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state FROM pick_states WHERE production_id = $1 ORDER BY segment_index`,
		production,
	)
	if err != nil {
		return nil, fmt.Errorf("remotestore: load %s: %w", production, err)
	}
	states, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (review.PickState, error) {
		var raw []byte
		if err := row.Scan(&raw); err != nil {
			return review.PickState{}, err
		}
		var st review.PickState
		err := json.Unmarshal(raw, &st)
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("remotestore: load %s: %w", production, err)
	}
	if len(states) == 0 {
		return nil, persist.ErrNotFound
	}
	return states, nil
}

// Save implements [persist.Store]. All states are upserted in one batch
// inside a transaction.
func (s *PostgresStore) Save(ctx context.Context, production string, states ...review.PickState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("remotestore: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, st := range states {
		raw, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("remotestore: encode segment %d: %w", st.Segment, err)
		}
		batch.Queue(
			`INSERT INTO pick_states (production_id, segment_index, state, saved_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (production_id, segment_index)
			 DO UPDATE SET state = EXCLUDED.state, saved_at = EXCLUDED.saved_at`,
			production, st.Segment, raw,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("remotestore: save %s: %w", production, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("remotestore: commit: %w", err)
	}
	return nil
}
