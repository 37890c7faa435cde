package coordinator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ratingeater/webpyter-notebook/crdt"
	"github.com/ratingeater/webpyter-notebook/notebook"
	"github.com/ratingeater/webpyter-notebook/storage"
)

func TestColdStart_SeedsAndPersistsDefault(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	reg := NewRegistry(store, zap.NewNop(), -1)

	c, err := reg.Get(ctx, "NB1")
	require.NoError(t, err)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, snap, "snapshot endpoint must not serve an empty body")

	doc := crdt.NewDoc()
	require.NoError(t, doc.ApplyUpdate(snap, nil))
	assert.Equal(t, "Untitled Notebook", notebook.Title(doc))
	cells := notebook.Cells(doc)
	require.Len(t, cells, 2)
	assert.Equal(t, "markdown", cells[0].Type)
	assert.True(t, strings.HasPrefix(cells[0].Content, "# New Notebook"))
	assert.Equal(t, "code", cells[1].Type)
	assert.True(t, strings.HasPrefix(cells[1].Content, "# Write Python code here"))

	// The default was persisted during activation, not just held in memory.
	persisted, err := store.Load(ctx, "NB1")
	require.NoError(t, err)
	assert.NotEmpty(t, persisted)
}

func TestColdStart_HydratesExistingSnapshot(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	seed := crdt.NewDocWithClientID(1)
	notebook.Seed(seed)
	notebook.TitleText(seed).Delete(0, notebook.TitleText(seed).Len())
	notebook.TitleText(seed).Insert(0, "Persisted")
	snap, err := seed.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "NB2", snap))

	reg := NewRegistry(store, zap.NewNop(), -1)
	c, err := reg.Get(ctx, "NB2")
	require.NoError(t, err)
	out, err := c.Snapshot(ctx)
	require.NoError(t, err)

	doc := crdt.NewDoc()
	require.NoError(t, doc.ApplyUpdate(out, nil))
	assert.Equal(t, "Persisted", notebook.Title(doc))
}

func TestColdStart_SanitizesBrokenSnapshot(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	bad := crdt.NewDocWithClientID(1)
	bad.Text(notebook.RootTitle).Insert(0, "Broken")
	arr := bad.Array(notebook.RootCells)
	for i := 0; i < 2; i++ {
		m := arr.InsertMap(i)
		m.SetString(notebook.KeyID, "dup")
		m.SetString(notebook.KeyType, "mystery")
		m.SetString(notebook.KeyContent, "plain scalar")
	}
	snap, err := bad.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "NB3", snap))

	reg := NewRegistry(store, zap.NewNop(), -1)
	c, err := reg.Get(ctx, "NB3")
	require.NoError(t, err)
	out, err := c.Snapshot(ctx)
	require.NoError(t, err)

	doc := crdt.NewDoc()
	require.NoError(t, doc.ApplyUpdate(out, nil))
	assert.False(t, notebook.Sanitize(doc), "served snapshot is already sanitized")
	cells := notebook.Cells(doc)
	require.Len(t, cells, 2)
	assert.NotEqual(t, cells[0].ID, cells[1].ID)
	for _, cell := range cells {
		assert.Contains(t, []string{"code", "markdown"}, cell.Type)
		assert.Equal(t, "plain scalar", cell.Content)
	}
}

func TestColdStart_UnreadableSnapshotSeedsDefault(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(ctx, "NB4", []byte("not a crdt update")))

	reg := NewRegistry(store, zap.NewNop(), -1)
	c, err := reg.Get(ctx, "NB4")
	require.NoError(t, err)
	out, err := c.Snapshot(ctx)
	require.NoError(t, err)

	doc := crdt.NewDoc()
	require.NoError(t, doc.ApplyUpdate(out, nil))
	assert.Equal(t, "Untitled Notebook", notebook.Title(doc))
}

func TestRegistry_ConvergesToOneInstance(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(storage.NewMemoryStore(), zap.NewNop(), -1)

	c1, err := reg.Get(ctx, "NB5")
	require.NoError(t, err)
	c2, err := reg.Get(ctx, "NB5")
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	other, err := reg.Get(ctx, "NB6")
	require.NoError(t, err)
	assert.NotSame(t, c1, other)
}

func TestRegistry_IdleEvictionRehydrates(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	reg := NewRegistry(store, zap.NewNop(), 30*time.Millisecond)

	c1, err := reg.Get(ctx, "NB7")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c1.isClosed()
	}, 2*time.Second, 10*time.Millisecond, "idle coordinator should be evicted")

	c2, err := reg.Get(ctx, "NB7")
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)

	// The replacement still serves the persisted document.
	snap, err := c2.Snapshot(ctx)
	require.NoError(t, err)
	doc := crdt.NewDoc()
	require.NoError(t, doc.ApplyUpdate(snap, nil))
	assert.Equal(t, "Untitled Notebook", notebook.Title(doc))
}
