package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStoreRoundTrip(t *testing.T, store SnapshotStore) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx, "nb-1")
	assert.ErrorIs(t, err, ErrNotFound)

	snap := []byte("opaque-crdt-update")
	require.NoError(t, store.Save(ctx, "nb-1", snap))

	got, err := store.Load(ctx, "nb-1")
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	// Notebooks are isolated.
	_, err = store.Load(ctx, "nb-2")
	assert.ErrorIs(t, err, ErrNotFound)

	// Overwrite wins.
	require.NoError(t, store.Save(ctx, "nb-1", []byte("v2")))
	got, err = store.Load(ctx, "nb-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	testStoreRoundTrip(t, store)
}

func TestBoltStore(t *testing.T) {
	store, err := OpenBolt(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	defer store.Close()
	testStoreRoundTrip(t, store)
}

func TestSave_RefusesOversizedSnapshot(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	big := bytes.Repeat([]byte{0x1}, MaxSnapshotSize+1)
	err := store.Save(context.Background(), "nb-1", big)
	assert.ErrorIs(t, err, ErrSnapshotTooLarge)

	_, err = store.Load(context.Background(), "nb-1")
	assert.ErrorIs(t, err, ErrNotFound, "a refused write leaves nothing behind")
}

func TestMemoryStore_CopiesData(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	snap := []byte("abc")
	require.NoError(t, store.Save(context.Background(), "nb", snap))
	snap[0] = 'x'
	got, err := store.Load(context.Background(), "nb")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}
