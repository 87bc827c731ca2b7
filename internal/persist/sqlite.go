package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrWong99/takewright/internal/review"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertion.
var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pick_states (
	production_id TEXT    NOT NULL,
	segment_index INTEGER NOT NULL,
	state         TEXT    NOT NULL,
	saved_at      TEXT    NOT NULL,
	PRIMARY KEY (production_id, segment_index)
);
`

// SQLiteStore is the device-local cache. It keeps one row per segment.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and migrates it.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persist: open sqlite: %w", err)
	}
	// A single connection serialises writers and keeps the pragmas in effect.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("persist: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load implements [Store].
func (s *SQLiteStore) Load(ctx context.Context, production string) ([]review.PickState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT segment_index, state FROM pick_states WHERE production_id = ? ORDER BY segment_index`,
		production,
	)
	if err != nil {
		return nil, fmt.Errorf("persist: load %s: %w", production, err)
	}
	defer rows.Close()

	var out []review.PickState
	for rows.Next() {
		var (
			seg int
			raw string
		)
		if err := rows.Scan(&seg, &raw); err != nil {
			return nil, fmt.Errorf("persist: scan: %w", err)
		}
		var st review.PickState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("persist: decode segment %d: %w", seg, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persist: load %s: %w", production, err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Save implements [Store]. All states are written in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, production string, states ...review.PickState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persist: begin: %w", err)
	}
	defer tx.Rollback()

	savedAt := s.now().UTC().Format(time.RFC3339Nano)
	for _, st := range states {
		raw, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("persist: encode segment %d: %w", st.Segment, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO pick_states (production_id, segment_index, state, saved_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (production_id, segment_index)
			 DO UPDATE SET state = excluded.state, saved_at = excluded.saved_at`,
			production, st.Segment, string(raw), savedAt,
		)
		if err != nil {
			return fmt.Errorf("persist: save segment %d: %w", st.Segment, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persist: commit: %w", err)
	}
	return nil
}
