package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps snapshots in a notebook_snapshots table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and ensures the snapshot table
// exists.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	const schema = `
		CREATE TABLE IF NOT EXISTS notebook_snapshots (
			notebook_id TEXT PRIMARY KEY,
			snapshot    BYTEA NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring snapshot table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Load implements SnapshotStore.
func (s *PostgresStore) Load(ctx context.Context, notebookID string) ([]byte, error) {
	var snap []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM notebook_snapshots WHERE notebook_id = $1`,
		notebookID,
	).Scan(&snap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	return snap, nil
}

// Save implements SnapshotStore.
func (s *PostgresStore) Save(ctx context.Context, notebookID string, snapshot []byte) error {
	if err := checkSize(snapshot); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notebook_snapshots (notebook_id, snapshot, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (notebook_id)
		 DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()`,
		notebookID, snapshot,
	)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// Close implements SnapshotStore.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
