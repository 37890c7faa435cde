package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ratingeater/webpyter-notebook/awareness"
	"github.com/ratingeater/webpyter-notebook/blobstore"
	"github.com/ratingeater/webpyter-notebook/notebook"
)

// heartbeatLoop refreshes the local awareness heartbeat so peers can tell
// live sessions from stale ghosts.
func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(awareness.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.aw.SetLocalField("hb", time.Now().UnixMilli())
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

// PeerCount reports the number of live sessions on this notebook, self
// included. Peers silent past the staleness threshold are excluded.
func (s *Session) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.activePeersLocked())
	if n < 1 {
		n = 1
	}
	return n
}

// activePeersLocked returns self plus every peer updated within the
// staleness window.
func (s *Session) activePeersLocked() []uint64 {
	now := time.Now()
	self := s.aw.ClientID()
	ids := []uint64{self}
	for id := range s.aw.States() {
		if id == self {
			continue
		}
		if t, ok := s.aw.LastUpdated(id); ok && now.Sub(t) <= awareness.StaleAfter {
			ids = append(ids, id)
		}
	}
	return ids
}

// isLeaderLocked elects the peer with the numerically smallest active
// client id for external persistence. A peer carrying our own session nonce
// under a different id is a ghost of ourselves across a reconnect, so a tie
// against it still makes us leader.
func (s *Session) isLeaderLocked() bool {
	self := s.aw.ClientID()
	min := self
	for _, id := range s.activePeersLocked() {
		if id < min {
			min = id
		}
	}
	if min == self {
		return true
	}
	states := s.aw.States()
	if st, ok := states[min]; ok {
		if nonce, _ := st["nonce"].(string); nonce == s.nonce {
			return true
		}
	}
	return false
}

// autoSaveLoop persists dirty sessions: everyone writes the local backup,
// only the elected leader hits the external blob store.
func (s *Session) autoSaveLoop() {
	ticker := time.NewTicker(s.cfg.autoSaveInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.autoSaveTick(context.Background())
		case <-s.stop:
			return
		}
	}
}

func (s *Session) autoSaveTick(ctx context.Context) {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	leader := s.isLeaderLocked()
	snap, err := s.doc.EncodeStateAsUpdate(nil)
	var payload *blobstore.Notebook
	if leader && s.cfg.BlobStore != nil {
		payload = s.payloadLocked()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("encoding local snapshot", zap.Error(err))
		return
	}
	failed := false
	if s.backup != nil {
		if err := s.backup.Save(ctx, s.cfg.NotebookID, snap); err != nil {
			s.log.Warn("local backup failed", zap.Error(err))
			failed = true
		}
	}
	if payload != nil {
		if err := s.cfg.BlobStore.Put(ctx, s.cfg.NotebookID, payload); err != nil {
			s.log.Warn("external save failed", zap.Error(err))
			failed = true
		}
	}
	if failed {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
}

// Save forces one auto-save tick regardless of cadence.
func (s *Session) Save(ctx context.Context) {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
	s.autoSaveTick(ctx)
}

func (s *Session) payloadLocked() *blobstore.Notebook {
	nb := &blobstore.Notebook{
		Title:     notebook.Title(s.doc),
		Variables: s.variables,
	}
	for _, cv := range notebook.Cells(s.doc) {
		nb.Cells = append(nb.Cells, blobstore.Cell{ID: cv.ID, Type: cv.Type, Content: cv.Content})
	}
	return nb
}
