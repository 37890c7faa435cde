package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ratingeater/webpyter-notebook/storage"
)

// DefaultIdleTTL is how long a coordinator may sit with no sockets before
// the registry evicts it. The snapshot stays in storage and rehydrates on
// the next request.
const DefaultIdleTTL = 5 * time.Minute

// Registry is the deterministic notebookId → coordinator mapping: concurrent
// requests for the same notebook converge to one instance, and different
// notebooks are fully isolated.
type Registry struct {
	store   storage.SnapshotStore
	log     *zap.Logger
	idleTTL time.Duration

	mu     sync.Mutex
	coords map[string]*Coordinator
}

// NewRegistry creates a registry persisting through store. An idleTTL of 0
// keeps the DefaultIdleTTL; a negative value disables eviction.
func NewRegistry(store storage.SnapshotStore, log *zap.Logger, idleTTL time.Duration) *Registry {
	if idleTTL == 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Registry{
		store:   store,
		log:     log,
		idleTTL: idleTTL,
		coords:  make(map[string]*Coordinator),
	}
}

// Get returns the live coordinator for notebookID, activating one when
// needed. It blocks until the instance finished hydrate+sanitize, so the
// caller never observes a half-initialized document.
func (r *Registry) Get(ctx context.Context, notebookID string) (*Coordinator, error) {
	for {
		r.mu.Lock()
		c, ok := r.coords[notebookID]
		if !ok {
			c = newCoordinator(notebookID, r.store, r.log, r.idleTTL, r.remove)
			r.coords[notebookID] = c
		}
		r.mu.Unlock()

		if err := c.waitReady(ctx); err != nil {
			return nil, err
		}
		// Lost a race with idle eviction; activate a fresh instance.
		if c.isClosed() {
			r.remove(c)
			continue
		}
		return c, nil
	}
}

func (r *Registry) remove(c *Coordinator) {
	r.mu.Lock()
	if cur, ok := r.coords[c.notebookID]; ok && cur == c {
		delete(r.coords, c.notebookID)
	}
	r.mu.Unlock()
}
