package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/quotewire/quotewire/internal/errs"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS quote_snapshots (
    storage_key    TEXT PRIMARY KEY,
    classification TEXT NOT NULL,
    market         TEXT NOT NULL,
    provider       TEXT NOT NULL,
    capability     TEXT NOT NULL,
    payload        JSONB NOT NULL,
    tags           JSONB NOT NULL DEFAULT '{}'::jsonb,
    expires_at     TIMESTAMPTZ,
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const snapshotUpsert = `
INSERT INTO quote_snapshots (storage_key, classification, market, provider, capability, payload, tags, expires_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (storage_key) DO UPDATE SET
    classification = EXCLUDED.classification,
    market         = EXCLUDED.market,
    provider       = EXCLUDED.provider,
    capability     = EXCLUDED.capability,
    payload        = EXCLUDED.payload,
    tags           = EXCLUDED.tags,
    expires_at     = EXCLUDED.expires_at,
    updated_at     = now()`

// PostgresSnapshotStore persists transformed payloads durably. It sits behind
// the same SnapshotStore contract as redis; which one serves a deployment is
// a wiring decision.
type PostgresSnapshotStore struct {
	db *sqlx.DB
}

// OpenPostgres connects, verifies and prepares the snapshot table.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSnapshotStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errs.New("store.postgres", errs.KindStorageFailure,
			errs.WithMessage("postgres unreachable"), errs.WithCause(err))
	}
	if _, err := db.ExecContext(ctx, snapshotSchema); err != nil {
		return nil, errs.New("store.postgres", errs.KindStorageFailure,
			errs.WithMessage("snapshot schema setup failed"), errs.WithCause(err))
	}
	return &PostgresSnapshotStore{db: db}, nil
}

// NewPostgresSnapshotStore wraps an existing connection. Test hook.
func NewPostgresSnapshotStore(db *sqlx.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

// Persist upserts the snapshot row.
func (s *PostgresSnapshotStore) Persist(ctx context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap.Data)
	if err != nil {
		return errs.New("store.postgres.persist", errs.KindStorageFailure, errs.WithCause(err))
	}
	tags, err := json.Marshal(snap.Tags)
	if err != nil {
		return errs.New("store.postgres.persist", errs.KindStorageFailure, errs.WithCause(err))
	}
	var expires *time.Time
	if snap.TTL > 0 {
		t := time.Now().Add(snap.TTL)
		expires = &t
	}
	_, err = s.db.ExecContext(ctx, snapshotUpsert,
		snap.Key, snap.Classification, string(snap.Market), snap.Provider, snap.Capability,
		payload, tags, expires)
	if err != nil {
		return errs.New("store.postgres.persist", errs.KindStorageFailure, errs.WithCause(err))
	}
	return nil
}

// Close releases the underlying pool.
func (s *PostgresSnapshotStore) Close() error { return s.db.Close() }
