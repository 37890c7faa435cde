package storage

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var snapshotBucket = []byte(SnapshotKey)

// BoltStore keeps snapshots in a local bbolt file: one bucket named after
// SnapshotKey, keyed by notebook id. This is the single-node default on the
// server and the local-backup store inside the client session.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the store at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating snapshot bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Load implements SnapshotStore.
func (s *BoltStore) Load(_ context.Context, notebookID string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotBucket).Get([]byte(notebookID))
		if v == nil {
			return ErrNotFound
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save implements SnapshotStore.
func (s *BoltStore) Save(_ context.Context, notebookID string, snapshot []byte) error {
	if err := checkSize(snapshot); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(notebookID), snapshot)
	})
}

// Close implements SnapshotStore.
func (s *BoltStore) Close() error { return s.db.Close() }
