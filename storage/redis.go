package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps snapshots in Redis under
// "notebook:{id}:ydoc.snapshot.v1".
type RedisStore struct {
	rdb *redis.Client
}

// NewRedis connects to the Redis instance at addr and verifies the
// connection with a ping.
func NewRedis(ctx context.Context, addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func redisKey(notebookID string) string {
	return "notebook:" + notebookID + ":" + SnapshotKey
}

// Load implements SnapshotStore.
func (s *RedisStore) Load(ctx context.Context, notebookID string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, redisKey(notebookID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	return v, nil
}

// Save implements SnapshotStore.
func (s *RedisStore) Save(ctx context.Context, notebookID string, snapshot []byte) error {
	if err := checkSize(snapshot); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, redisKey(notebookID), snapshot, 0).Err(); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// Close implements SnapshotStore.
func (s *RedisStore) Close() error { return s.rdb.Close() }
