package session

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ratingeater/webpyter-notebook/internal/coordinator"
	"github.com/ratingeater/webpyter-notebook/internal/gateway"
	"github.com/ratingeater/webpyter-notebook/notebook"
	"github.com/ratingeater/webpyter-notebook/storage"
)

func newCollabServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	reg := coordinator.NewRegistry(storage.NewMemoryStore(), zap.NewNop(), -1)
	srv := httptest.NewServer(gateway.New(gateway.Config{AuthToken: token}, reg, zap.NewNop()).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestSession_EndToEndCollaboration(t *testing.T) {
	srv := newCollabServer(t, "")

	a, err := New(Config{NotebookID: "nb-e2e", CollabServerURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, a.Bootstrap(context.Background()))
	t.Cleanup(func() { a.Close() })

	// The remote snapshot seeded the replica with the coordinator default.
	assert.Equal(t, notebook.DefaultTitle, a.Title())
	require.Eventually(t, func() bool {
		return a.CollabStatus() == CollabConnected
	}, 5*time.Second, 20*time.Millisecond, "first sync promotes connecting to connected")

	a.UpdateTitle("Shared Title")

	b, err := New(Config{NotebookID: "nb-e2e", CollabServerURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, b.Bootstrap(context.Background()))
	t.Cleanup(func() { b.Close() })

	require.Eventually(t, func() bool {
		return b.Title() == "Shared Title"
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return b.CollabStatus() == CollabConnected
	}, 5*time.Second, 20*time.Millisecond)

	// Edits flow both ways.
	b.UpdateCellContent(func() string {
		b.flushCells()
		return b.Cells()[1].ID
	}(), "x = 41 + 1")
	require.Eventually(t, func() bool {
		a.flushCells()
		cells := a.Cells()
		return len(cells) == 2 && cells[1].Content == "x = 41 + 1"
	}, 5*time.Second, 20*time.Millisecond)

	// Awareness converges into the peer count on both sides.
	require.Eventually(t, func() bool {
		return a.PeerCount() == 2 && b.PeerCount() == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSession_FallbackWhenServerUnreachable(t *testing.T) {
	s, err := New(Config{
		NotebookID:           "nb-dark",
		CollabServerURL:      "ws://127.0.0.1:1", // nothing listens here
		CollabConnectTimeout: 150 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, s.Bootstrap(context.Background()))
	t.Cleanup(func() { s.Close() })

	// Bootstrap fell back to the default template and said so.
	assert.Equal(t, CollabFallback, s.CollabStatus())
	assert.Equal(t, notebook.DefaultTitle, s.Title())
	s.flushCells()
	assert.Len(t, s.Cells(), 2)
	assert.Equal(t, 1, s.PeerCount())
}

func TestSession_FallbackPromotesToConnected(t *testing.T) {
	// An aggressive watchdog flips the status to fallback before the first
	// handshake completes; the provider keeps going and a later successful
	// sync still promotes to connected.
	srv := newCollabServer(t, "")

	s, err := New(Config{
		NotebookID:           "nb-late",
		CollabServerURL:      srv.URL,
		CollabConnectTimeout: time.Nanosecond,
	})
	require.NoError(t, err)
	require.NoError(t, s.Bootstrap(context.Background()))
	t.Cleanup(func() { s.Close() })

	require.Eventually(t, func() bool {
		return s.CollabStatus() == CollabConnected
	}, 10*time.Second, 20*time.Millisecond, "fallback is informational, not terminal")
}

func TestSession_TokenAppendedToEndpoints(t *testing.T) {
	srv := newCollabServer(t, "sesame")

	s, err := New(Config{
		NotebookID:      "nb-auth",
		CollabServerURL: srv.URL,
		CollabToken:     "sesame",
	})
	require.NoError(t, err)
	require.NoError(t, s.Bootstrap(context.Background()))
	t.Cleanup(func() { s.Close() })

	// The snapshot fetch carried the token, so the replica was seeded from
	// the coordinator rather than locally.
	assert.NotEqual(t, CollabFallback, s.CollabStatus())
	assert.Equal(t, notebook.DefaultTitle, s.Title())
	require.Eventually(t, func() bool {
		return s.CollabStatus() == CollabConnected
	}, 5*time.Second, 20*time.Millisecond, "the websocket dial carries the token too")
}
