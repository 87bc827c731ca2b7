package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/takewright/pkg/types"
)

// Schema is the SQL DDL for the voice_profiles table. Execute it via
// [PostgresRegistry.Migrate] or apply it manually during deployment.
var Schema = fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS voice_profiles (
    seq           BIGSERIAL PRIMARY KEY,
    id            UUID NOT NULL UNIQUE,
    kind          TEXT NOT NULL CHECK (kind IN ('known_good', 'rejection')),
    fingerprint   vector(%d) NOT NULL,
    tolerance     DOUBLE PRECISION NOT NULL DEFAULT 0,
    reason        TEXT NOT NULL DEFAULT '',
    production_id TEXT NOT NULL DEFAULT '',
    segment_index INT NOT NULL DEFAULT 0,
    version       TEXT NOT NULL DEFAULT '',
    stats_version TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_voice_profiles_kind ON voice_profiles(kind, seq);
`, len(types.MetricNames))

// Compile-time interface assertion.
var _ Registry = (*PostgresRegistry)(nil)

// PostgresRegistry is a [Registry] backed by PostgreSQL with fingerprints
// stored as pgvector vectors. Sequence numbers come from the table's
// BIGSERIAL key.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistry connects to dsn, registers pgvector types on every
// connection and runs [PostgresRegistry.Migrate].
func NewPostgresRegistry(ctx context.Context, dsn string) (*PostgresRegistry, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("profile: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("profile: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("profile: ping: %w", err)
	}
	r := &PostgresRegistry{pool: pool}
	if err := r.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// Migrate executes [Schema].
func (r *PostgresRegistry) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("profile: migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *PostgresRegistry) Close() { r.pool.Close() }

// Append implements [Registry].
func (r *PostgresRegistry) Append(ctx context.Context, p Profile) (Profile, error) {
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	p.ID = uuid.NewString()

	const q = `
		INSERT INTO voice_profiles
		    (id, kind, fingerprint, tolerance, reason, production_id, segment_index, version, stats_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq, created_at`

	var created time.Time
	err := r.pool.QueryRow(ctx, q,
		p.ID, string(p.Kind), pgvector.NewVector(fingerprint32(p.Fingerprint)), p.Tolerance,
		p.Reason, p.Production, p.Segment, p.Version, p.StatsVersion,
	).Scan(&p.Seq, &created)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: append: %w", err)
	}
	p.CreatedAt = created.UTC()
	return p, nil
}

// Snapshot implements [Registry].
func (r *PostgresRegistry) Snapshot(ctx context.Context) (Snapshot, error) {
	return r.SnapshotAt(ctx, -1)
}

// SnapshotAt implements [Registry].
func (r *PostgresRegistry) SnapshotAt(ctx context.Context, version int64) (Snapshot, error) {
	const q = `
		SELECT seq, id::text, kind, fingerprint, tolerance, reason, production_id,
		       segment_index, version, stats_version, created_at
		FROM   voice_profiles
		WHERE  $1 < 0 OR seq <= $1
		ORDER  BY seq`

	rows, err := r.pool.Query(ctx, q, version)
	if err != nil {
		return Snapshot{}, fmt.Errorf("profile: snapshot: %w", err)
	}
	profiles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Profile, error) {
		var (
			p    Profile
			kind string
			vec  pgvector.Vector
		)
		if err := row.Scan(&p.Seq, &p.ID, &kind, &vec, &p.Tolerance, &p.Reason,
			&p.Production, &p.Segment, &p.Version, &p.StatsVersion, &p.CreatedAt); err != nil {
			return Profile{}, err
		}
		p.Kind = Kind(kind)
		p.Fingerprint = fingerprint64(vec.Slice())
		return p, nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("profile: scan rows: %w", err)
	}
	return NewSnapshot(profiles, version), nil
}

// Nearest returns up to k profiles of the given kind ordered by Euclidean
// distance to z, computed in the database.
func (r *PostgresRegistry) Nearest(ctx context.Context, kind Kind, z types.Metrics, k int) ([]Match, error) {
	const q = `
		SELECT seq, id::text, kind, fingerprint, tolerance, reason, production_id,
		       segment_index, version, stats_version, created_at,
		       fingerprint <-> $2 AS distance
		FROM   voice_profiles
		WHERE  kind = $1
		ORDER  BY distance
		LIMIT  $3`

	rows, err := r.pool.Query(ctx, q, string(kind), pgvector.NewVector(fingerprint32(z)), k)
	if err != nil {
		return nil, fmt.Errorf("profile: nearest: %w", err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Match, error) {
		var (
			m       Match
			kindStr string
			vec     pgvector.Vector
		)
		if err := row.Scan(&m.Profile.Seq, &m.Profile.ID, &kindStr, &vec, &m.Profile.Tolerance,
			&m.Profile.Reason, &m.Profile.Production, &m.Profile.Segment, &m.Profile.Version,
			&m.Profile.StatsVersion, &m.Profile.CreatedAt, &m.Distance); err != nil {
			return Match{}, err
		}
		m.Profile.Kind = Kind(kindStr)
		m.Profile.Fingerprint = fingerprint64(vec.Slice())
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("profile: scan rows: %w", err)
	}
	if matches == nil {
		matches = []Match{}
	}
	return matches, nil
}
