// Package coordinator hosts one long-lived synchronization actor per
// notebook. The coordinator owns the authoritative document replica,
// brokers the sync and awareness protocols between websocket peers, and
// persists snapshots behind a coalescing alarm.
package coordinator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ratingeater/webpyter-notebook/awareness"
	"github.com/ratingeater/webpyter-notebook/crdt"
	"github.com/ratingeater/webpyter-notebook/notebook"
	"github.com/ratingeater/webpyter-notebook/protocol"
	"github.com/ratingeater/webpyter-notebook/storage"
)

// persistDelay is the coalescing window for snapshot writes: many updates
// inside one window produce a single write.
const persistDelay = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Coordinator is the per-notebook actor. All document and awareness
// mutations are serialized behind mu; update hooks run while it is held, so
// peers observe updates in exactly the order they were applied.
type Coordinator struct {
	notebookID string
	store      storage.SnapshotStore
	log        *zap.Logger
	idleTTL    time.Duration
	onIdle     func(*Coordinator)

	// ready is closed once hydrate+sanitize completed. Nothing observes the
	// document before that.
	ready chan struct{}

	mu             sync.Mutex
	doc            *crdt.Doc
	aw             *awareness.Awareness
	conns          map[*conn]struct{}
	persistPending bool
	closed         bool
	idleTimer      *time.Timer
}

func newCoordinator(notebookID string, store storage.SnapshotStore, log *zap.Logger, idleTTL time.Duration, onIdle func(*Coordinator)) *Coordinator {
	c := &Coordinator{
		notebookID: notebookID,
		store:      store,
		log:        log.With(zap.String("notebook", notebookID)),
		idleTTL:    idleTTL,
		onIdle:     onIdle,
		ready:      make(chan struct{}),
		conns:      make(map[*conn]struct{}),
	}
	go c.activate()
	return c
}

// NotebookID returns the routing key this coordinator serves.
func (c *Coordinator) NotebookID() string { return c.notebookID }

// activate runs the deterministic cold start: hydrate, sanitize, install
// hooks, mark ready.
func (c *Coordinator) activate() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	doc := crdt.NewDoc()
	snap, err := c.store.Load(ctx, c.notebookID)
	switch {
	case err == nil && len(snap) > 0:
		if err := doc.ApplyUpdate(snap, nil); err != nil {
			// Unreadable snapshot is treated the same as no snapshot.
			c.log.Warn("discarding unreadable snapshot", zap.Error(err))
			doc = crdt.NewDoc()
			notebook.Seed(doc)
			c.persistNow(ctx, doc)
		}
	case err == nil || errors.Is(err, storage.ErrNotFound):
		notebook.Seed(doc)
		c.persistNow(ctx, doc)
	default:
		c.log.Warn("snapshot load failed, seeding default", zap.Error(err))
		notebook.Seed(doc)
		c.persistNow(ctx, doc)
	}

	if notebook.Sanitize(doc) {
		c.log.Info("sanitize rewrote document invariants")
		c.persistNow(ctx, doc)
	}

	c.mu.Lock()
	c.doc = doc
	c.aw = awareness.New(doc.ClientID())
	doc.OnUpdate(c.onDocUpdate)
	c.aw.OnChange(c.onAwarenessChange)
	c.resetIdleLocked()
	c.mu.Unlock()
	close(c.ready)
}

func (c *Coordinator) persistNow(ctx context.Context, doc *crdt.Doc) {
	snap, err := doc.EncodeStateAsUpdate(nil)
	if err != nil {
		c.log.Error("encoding snapshot", zap.Error(err))
		return
	}
	if err := c.store.Save(ctx, c.notebookID, snap); err != nil {
		c.log.Error("persisting snapshot", zap.Error(err))
	}
}

// waitReady blocks the caller until cold start completed.
func (c *Coordinator) waitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onDocUpdate runs with mu held, once per applied transaction: broadcast to
// every socket except the origin, then arm the persistence alarm.
func (c *Coordinator) onDocUpdate(update []byte, origin any) {
	frame := protocol.EncodeSyncUpdate(update)
	for s := range c.conns {
		if s != origin {
			s.trySend(frame)
		}
	}
	c.schedulePersistLocked()
}

// onAwarenessChange runs with mu held: record which ids the origin socket
// controls, then rebroadcast the affected entries to everyone else.
func (c *Coordinator) onAwarenessChange(ch awareness.Change, origin any) {
	if src, ok := origin.(*conn); ok {
		for _, id := range ch.Added {
			src.controlled[id] = struct{}{}
		}
		for _, id := range ch.Updated {
			src.controlled[id] = struct{}{}
		}
		for _, id := range ch.Removed {
			delete(src.controlled, id)
		}
	}
	ids := make([]uint64, 0, len(ch.Added)+len(ch.Updated)+len(ch.Removed))
	ids = append(ids, ch.Added...)
	ids = append(ids, ch.Updated...)
	ids = append(ids, ch.Removed...)
	frame := protocol.EncodeAwareness(c.aw.Encode(ids))
	for s := range c.conns {
		if s != origin {
			s.trySend(frame)
		}
	}
}

// schedulePersistLocked arms the alarm at most once per dirty window.
// Rescheduling while pending is a no-op.
func (c *Coordinator) schedulePersistLocked() {
	if c.persistPending || c.closed {
		return
	}
	c.persistPending = true
	time.AfterFunc(persistDelay, c.persistAlarm)
}

// persistAlarm clears the pending flag before writing, so an update racing
// with the write arms a follow-up alarm instead of getting lost.
func (c *Coordinator) persistAlarm() {
	c.mu.Lock()
	c.persistPending = false
	if c.closed {
		c.mu.Unlock()
		return
	}
	snap, err := c.doc.EncodeStateAsUpdate(nil)
	c.mu.Unlock()
	if err != nil {
		c.log.Error("encoding snapshot", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.Save(ctx, c.notebookID, snap); err != nil {
		c.log.Error("persisting snapshot", zap.Error(err))
	}
}

// Snapshot encodes the full document for the HTTP snapshot endpoint.
func (c *Coordinator) Snapshot(ctx context.Context) ([]byte, error) {
	if err := c.waitReady(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.EncodeStateAsUpdate(nil)
}

// ServeWS upgrades the request and runs the socket until the peer leaves.
func (c *Coordinator) ServeWS(w http.ResponseWriter, r *http.Request) {
	if err := c.waitReady(r.Context()); err != nil {
		http.Error(w, "coordinator not ready", http.StatusServiceUnavailable)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s := newConn(ws)
	go s.writePump()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return
	}
	// A joining client's initial sync must already see valid cell ids.
	notebook.Sanitize(c.doc)
	c.conns[s] = struct{}{}
	c.stopIdleLocked()
	s.trySend(protocol.EncodeSyncStep1(c.doc))
	if len(c.aw.States()) > 0 {
		s.trySend(protocol.EncodeAwareness(c.aw.Encode(nil)))
	}
	c.mu.Unlock()

	c.log.Info("peer connected")
	c.readPump(s)
}

func (c *Coordinator) readPump(s *conn) {
	defer c.dropConn(s)
	for {
		kind, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		c.handleFrame(s, data)
	}
}

func (c *Coordinator) handleFrame(s *conn, data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		// Malformed frames are dropped; the socket stays up.
		c.log.Debug("dropping malformed frame", zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch frame.Type {
	case protocol.MessageSync:
		reply, _, err := protocol.HandleSyncPayload(c.doc, frame.Payload, s)
		if err != nil {
			c.log.Debug("dropping malformed sync payload", zap.Error(err))
			return
		}
		if reply != nil {
			s.trySend(reply)
		}
	case protocol.MessageAwareness:
		if err := c.aw.ApplyUpdate(frame.Payload, s); err != nil {
			c.log.Debug("dropping malformed awareness payload", zap.Error(err))
		}
	case protocol.MessageAuth:
		// Reserved.
	default:
		// Unknown message type: ignore.
	}
}

func (c *Coordinator) dropConn(s *conn) {
	s.ws.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[s]; !ok {
		return
	}
	delete(c.conns, s)
	close(s.send)
	c.aw.RemoveStates(s.controlledIDs(), s)
	if len(c.conns) == 0 {
		c.resetIdleLocked()
	}
	c.log.Info("peer disconnected")
}

// Idle eviction. A coordinator with no sockets for idleTTL persists one
// last time and hands itself back to the registry.

func (c *Coordinator) resetIdleLocked() {
	if c.idleTTL <= 0 || c.onIdle == nil {
		return
	}
	c.stopIdleLocked()
	c.idleTimer = time.AfterFunc(c.idleTTL, c.evict)
}

func (c *Coordinator) stopIdleLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *Coordinator) evict() {
	c.mu.Lock()
	if c.closed || len(c.conns) > 0 {
		c.mu.Unlock()
		return
	}
	c.closed = true
	snap, err := c.doc.EncodeStateAsUpdate(nil)
	c.mu.Unlock()

	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.store.Save(ctx, c.notebookID, snap); err != nil {
			c.log.Error("final persist on eviction", zap.Error(err))
		}
	}
	c.onIdle(c)
	c.log.Info("idle coordinator evicted")
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
