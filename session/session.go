// Package session is the client side of the notebook synchronization
// engine: one Session per visible notebook route. It owns the local CRDT
// replica, bootstraps initial state, keeps a websocket provider alive,
// reports presence, and exposes the imperative editing API the UI drives.
package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/ratingeater/webpyter-notebook/awareness"
	"github.com/ratingeater/webpyter-notebook/blobstore"
	"github.com/ratingeater/webpyter-notebook/crdt"
	"github.com/ratingeater/webpyter-notebook/kernel"
	"github.com/ratingeater/webpyter-notebook/notebook"
	"github.com/ratingeater/webpyter-notebook/storage"
)

// flushDelay coalesces bursts of document updates into one rebuild of the
// observable cell list, the way a browser client coalesces to an animation
// frame.
const flushDelay = 16 * time.Millisecond

// ErrLastCell reports a delete that would leave the notebook empty.
var ErrLastCell = errors.New("session: a notebook keeps at least one cell")

// CellStatus is the runtime execution state of one cell.
type CellStatus string

const (
	StatusIdle    CellStatus = "idle"
	StatusRunning CellStatus = "running"
	StatusSuccess CellStatus = "success"
	StatusError   CellStatus = "error"
)

// RuntimeCellState is the client-only, non-replicated state of a cell,
// keyed by the cell's stable id.
type RuntimeCellState struct {
	Status         CellStatus
	Output         *kernel.CellOutput
	ExecutionCount int
	Collapsed      bool
}

// Cell is one row of the observable cell list: document fields merged with
// runtime fields.
type Cell struct {
	ID      string
	Type    string
	Content string
	Runtime RuntimeCellState
}

// Session drives one notebook. All methods are safe for concurrent use; the
// internal lock is the Go stand-in for the browser's single UI thread.
type Session struct {
	cfg    Config
	log    *zap.Logger
	nonce  string
	kernel *kernel.Client
	backup storage.SnapshotStore

	mu            sync.Mutex
	doc           *crdt.Doc
	aw            *awareness.Awareness
	provider      *provider
	cells         []Cell
	runtime       map[string]*RuntimeCellState
	activeCellID  string
	variables     []kernel.Variable
	execCount     int
	dirty         bool
	bootstrapping bool
	flushPending  bool
	kernelStatus  KernelStatus
	collabStatus  CollabStatus
	kernelMessage string

	onCellsChanged  func([]Cell)
	onStatusChanged func()

	stop     chan struct{}
	stopOnce sync.Once
}

// New validates the configuration and builds an un-bootstrapped session.
func New(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:          cfg,
		log:          cfg.logger().With(zap.String("notebook", cfg.NotebookID)),
		nonce:        ulid.Make().String(),
		runtime:      make(map[string]*RuntimeCellState),
		kernelStatus: KernelDisconnected,
		collabStatus: CollabDisabled,
		stop:         make(chan struct{}),
	}
	if cfg.BackendKernelURL != "" {
		s.kernel = kernel.New(cfg.BackendKernelURL)
	}
	if cfg.LocalBackupPath != "" {
		backup, err := storage.OpenBolt(cfg.LocalBackupPath)
		if err != nil {
			return nil, err
		}
		s.backup = backup
	}

	s.doc = crdt.NewDoc()
	s.aw = awareness.New(s.doc.ClientID())
	s.bootstrapping = true
	s.doc.OnUpdate(func(update []byte, origin any) {
		// Runs with s.mu held (all doc access is serialized behind it).
		if !s.bootstrapping {
			s.dirty = true
		}
		s.scheduleFlushLocked()
	})
	return s, nil
}

// OnCellsChanged registers the observable-list callback. Called without the
// session lock held.
func (s *Session) OnCellsChanged(fn func([]Cell)) { s.onCellsChanged = fn }

// OnStatusChanged registers a callback fired after kernel or collab status
// transitions.
func (s *Session) OnStatusChanged(fn func()) { s.onStatusChanged = fn }

// Bootstrap loads initial state in the strict order the protocol demands,
// then connects the provider and starts the heartbeat and auto-save loops.
func (s *Session) Bootstrap(ctx context.Context) error {
	collab := s.cfg.collabEnabled()

	if collab {
		// connect=false: no websocket traffic before bootstrap completes.
		s.provider = newProvider(
			s.wsEndpoint(),
			s.cfg.connectTimeout(),
			&s.mu,
			s.doc,
			s.aw,
			s.setCollabStatusLocked,
			s.log,
		)
	}

	s.mu.Lock()
	seeded := false
	if collab {
		if snap := s.fetchRemoteSnapshot(ctx); len(snap) > 0 {
			if err := s.doc.ApplyUpdate(snap, nil); err != nil {
				s.log.Warn("discarding unreadable remote snapshot", zap.Error(err))
			} else {
				seeded = true
				s.collabStatus = CollabConnecting
			}
		}
	}
	if !seeded {
		if collab {
			s.collabStatus = CollabFallback
		}
		s.seedFromStorage(ctx)
	}

	// Promote an existing solo notebook to collaborative: a coordinator
	// that only ever served the default template yields to real content
	// sitting in external or local storage.
	if notebook.IsDefaultTemplate(s.doc) {
		if stored, ok := s.loadStored(ctx); ok && !payloadIsDefault(stored) {
			s.replaceContent(stored)
		}
	}

	notebook.Sanitize(s.doc)

	s.bootstrapping = false
	s.aw.SetLocal(awareness.State{
		"user":  "",
		"nonce": s.nonce,
		"hb":    time.Now().UnixMilli(),
	})
	s.scheduleFlushLocked()
	s.mu.Unlock()

	if s.provider != nil {
		s.provider.Connect()
	}
	go s.heartbeatLoop()
	go s.autoSaveLoop()
	return nil
}

// Close stops the background loops and releases the provider and backup.
func (s *Session) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.provider != nil {
		s.provider.Close()
	}
	if s.backup != nil {
		return s.backup.Close()
	}
	return nil
}

func (s *Session) wsEndpoint() string {
	u := s.cfg.wsBaseURL() + "/ws/" + s.cfg.NotebookID
	if s.cfg.CollabToken != "" {
		u += "?token=" + s.cfg.CollabToken
	}
	return u
}

// fetchRemoteSnapshot asks the gateway for the coordinator's current state.
// Any failure just means fallback bootstrapping; it is never fatal.
func (s *Session) fetchRemoteSnapshot(ctx context.Context) []byte {
	u := s.cfg.httpBaseURL() + "/" + s.cfg.NotebookID + "/snapshot"
	if s.cfg.CollabToken != "" {
		u += "?token=" + s.cfg.CollabToken
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.connectTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.log.Debug("remote snapshot fetch failed", zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, storage.MaxSnapshotSize+1))
	if err != nil {
		return nil
	}
	return body
}

// seedFromStorage fills an empty replica from the blob store, then the
// local backup, then the default template.
func (s *Session) seedFromStorage(ctx context.Context) {
	if stored, ok := s.loadStoredExternal(ctx); ok {
		s.applyPayload(stored)
		return
	}
	if s.backup != nil {
		if snap, err := s.backup.Load(ctx, s.cfg.NotebookID); err == nil && len(snap) > 0 {
			if err := s.doc.ApplyUpdate(snap, nil); err == nil {
				return
			}
			s.log.Warn("discarding unreadable local backup")
		}
	}
	notebook.Seed(s.doc)
}

func (s *Session) loadStoredExternal(ctx context.Context) (*blobstore.Notebook, bool) {
	if s.cfg.BlobStore == nil {
		return nil, false
	}
	nb, err := s.cfg.BlobStore.Get(ctx, s.cfg.NotebookID)
	if err != nil {
		return nil, false
	}
	return nb, true
}

// loadStored returns stored content from the blob store or, failing that,
// the local backup rendered into a payload.
func (s *Session) loadStored(ctx context.Context) (*blobstore.Notebook, bool) {
	if nb, ok := s.loadStoredExternal(ctx); ok {
		return nb, true
	}
	if s.backup == nil {
		return nil, false
	}
	snap, err := s.backup.Load(ctx, s.cfg.NotebookID)
	if err != nil || len(snap) == 0 {
		return nil, false
	}
	tmp := crdt.NewDoc()
	if err := tmp.ApplyUpdate(snap, nil); err != nil {
		return nil, false
	}
	nb := &blobstore.Notebook{Title: notebook.Title(tmp)}
	for _, cv := range notebook.Cells(tmp) {
		nb.Cells = append(nb.Cells, blobstore.Cell{ID: cv.ID, Type: cv.Type, Content: cv.Content})
	}
	return nb, true
}

func payloadIsDefault(nb *blobstore.Notebook) bool {
	if nb.Title != notebook.DefaultTitle || len(nb.Cells) != 2 {
		return false
	}
	return nb.Cells[0].Type == notebook.TypeMarkdown &&
		hasPrefix(nb.Cells[0].Content, notebook.DefaultMarkdownPrefix) &&
		nb.Cells[1].Type == notebook.TypeCode &&
		hasPrefix(nb.Cells[1].Content, notebook.DefaultCodePrefix)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// applyPayload fills an empty document from a stored payload.
func (s *Session) applyPayload(nb *blobstore.Notebook) {
	s.doc.Transact(nil, func() {
		s.doc.Text(notebook.RootTitle).Insert(0, nb.Title)
		arr := s.doc.Array(notebook.RootCells)
		for i, cell := range nb.Cells {
			m := arr.InsertMap(i)
			m.SetString(notebook.KeyID, cell.ID)
			m.SetString(notebook.KeyType, cell.Type)
			m.SetText(notebook.KeyContent, cell.Content)
		}
	})
}

// replaceContent rewrites the live document to match a stored payload,
// preserving CRDT history so connected peers converge on the promotion.
func (s *Session) replaceContent(nb *blobstore.Notebook) {
	s.doc.Transact(nil, func() {
		title := s.doc.Text(notebook.RootTitle)
		if edit, changed := diffText(title.String(), nb.Title); changed {
			title.Delete(edit.index, edit.deleteLen)
			title.Insert(edit.index, edit.insert)
		}
		arr := s.doc.Array(notebook.RootCells)
		arr.Delete(0, arr.Len())
		for i, cell := range nb.Cells {
			m := arr.InsertMap(i)
			m.SetString(notebook.KeyID, cell.ID)
			m.SetString(notebook.KeyType, cell.Type)
			m.SetText(notebook.KeyContent, cell.Content)
		}
	})
}

// Observable state.

// Cells returns the current observable cell list.
func (s *Session) Cells() []Cell {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Cell, len(s.cells))
	copy(out, s.cells)
	return out
}

// Title returns the current notebook title.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return notebook.Title(s.doc)
}

// ActiveCellID returns the focused cell.
func (s *Session) ActiveCellID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCellID
}

// SetActiveCell moves focus.
func (s *Session) SetActiveCell(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, _ := notebook.CellMap(s.doc, id); m != nil {
		s.activeCellID = id
	}
}

// KernelStatus returns the kernel connection state.
func (s *Session) KernelStatus() KernelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kernelStatus
}

// KernelMessage returns the remediation text for the last kernel failure.
func (s *Session) KernelMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kernelMessage
}

// CollabStatus returns the collaboration state.
func (s *Session) CollabStatus() CollabStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collabStatus
}

// Variables returns the kernel's last reported variable list.
func (s *Session) Variables() []kernel.Variable {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kernel.Variable, len(s.variables))
	copy(out, s.variables)
	return out
}

// setCollabStatusLocked is handed to the provider; it runs with s.mu held.
func (s *Session) setCollabStatusLocked(status CollabStatus) {
	if s.collabStatus == status {
		return
	}
	s.collabStatus = status
	s.notifyStatus()
}

func (s *Session) setKernelStatusLocked(status KernelStatus) {
	if s.kernelStatus == status {
		return
	}
	s.kernelStatus = status
	s.notifyStatus()
}

func (s *Session) notifyStatus() {
	if fn := s.onStatusChanged; fn != nil {
		go fn()
	}
}

// View sync: CRDT → observable list, coalesced.

func (s *Session) scheduleFlushLocked() {
	if s.flushPending {
		return
	}
	s.flushPending = true
	time.AfterFunc(flushDelay, s.flushCells)
}

func (s *Session) flushCells() {
	s.mu.Lock()
	s.flushPending = false
	views := notebook.Cells(s.doc)

	live := make(map[string]struct{}, len(views))
	cells := make([]Cell, 0, len(views))
	for _, cv := range views {
		live[cv.ID] = struct{}{}
		rt, ok := s.runtime[cv.ID]
		if !ok {
			rt = &RuntimeCellState{Status: StatusIdle}
			s.runtime[cv.ID] = rt
		}
		cells = append(cells, Cell{ID: cv.ID, Type: cv.Type, Content: cv.Content, Runtime: *rt})
	}
	// Runtime state of cells that left the document is erased.
	for id := range s.runtime {
		if _, ok := live[id]; !ok {
			delete(s.runtime, id)
		}
	}
	if _, ok := live[s.activeCellID]; !ok {
		s.activeCellID = ""
		if len(views) > 0 {
			s.activeCellID = views[0].ID
		}
	}
	s.cells = cells
	fn := s.onCellsChanged
	out := make([]Cell, len(cells))
	copy(out, cells)
	s.mu.Unlock()

	if fn != nil {
		fn(out)
	}
}

// Mutations.

// InsertCell creates a cell of the given type after afterCellID (or at the
// end when it is empty or unknown) and returns the new id.
func (s *Session) InsertCell(afterCellID, cellType string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertCellLocked(afterCellID, cellType)
}

func (s *Session) insertCellLocked(afterCellID, cellType string) string {
	if cellType != notebook.TypeMarkdown {
		cellType = notebook.TypeCode
	}
	arr := s.doc.Array(notebook.RootCells)
	idx := arr.Len()
	if afterCellID != "" {
		if _, i := notebook.CellMap(s.doc, afterCellID); i >= 0 {
			idx = i + 1
		}
	}
	id := notebook.NewCellID()
	s.doc.Transact(nil, func() {
		m := arr.InsertMap(idx)
		m.SetString(notebook.KeyID, id)
		m.SetString(notebook.KeyType, cellType)
		m.SetText(notebook.KeyContent, "")
	})
	s.activeCellID = id
	return id
}

// DeleteCell removes a cell. The last remaining cell is never deleted.
func (s *Session) DeleteCell(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.doc.Array(notebook.RootCells)
	if arr.Len() <= 1 {
		return ErrLastCell
	}
	_, idx := notebook.CellMap(s.doc, id)
	if idx < 0 {
		return nil
	}
	arr.Delete(idx, 1)
	delete(s.runtime, id)
	return nil
}

// MoveCell relocates a cell to newIndex by delete-and-reinsert.
func (s *Session) MoveCell(id string, newIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, idx := notebook.CellMap(s.doc, id)
	if m == nil || idx == newIndex {
		return
	}
	cellType := m.GetString(notebook.KeyType)
	content := ""
	if t := m.Text(notebook.KeyContent); t != nil {
		content = t.String()
	}
	arr := s.doc.Array(notebook.RootCells)
	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex >= arr.Len() {
		newIndex = arr.Len() - 1
	}
	s.doc.Transact(nil, func() {
		arr.Delete(idx, 1)
		nm := arr.InsertMap(newIndex)
		nm.SetString(notebook.KeyID, id)
		nm.SetString(notebook.KeyType, cellType)
		nm.SetText(notebook.KeyContent, content)
	})
}

// SetCellType switches a cell between code and markdown and clears its
// runtime output.
func (s *Session) SetCellType(id, cellType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, _ := notebook.CellMap(s.doc, id)
	if m == nil {
		return
	}
	if cellType != notebook.TypeMarkdown {
		cellType = notebook.TypeCode
	}
	m.SetString(notebook.KeyType, cellType)
	if rt, ok := s.runtime[id]; ok {
		rt.Output = nil
		rt.Status = StatusIdle
		rt.ExecutionCount = 0
	}
	s.scheduleFlushLocked()
}

// UpdateCellContent applies the minimal diff between the cell's current
// text and next.
func (s *Session) UpdateCellContent(id, next string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, _ := notebook.CellMap(s.doc, id)
	if m == nil {
		return
	}
	t := m.Text(notebook.KeyContent)
	if t == nil {
		t = m.SetText(notebook.KeyContent, "")
	}
	applyDiffLocked(s.doc, t, next)
}

// UpdateTitle applies the minimal diff to the title text.
func (s *Session) UpdateTitle(next string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	applyDiffLocked(s.doc, s.doc.Text(notebook.RootTitle), next)
}

func applyDiffLocked(doc *crdt.Doc, t *crdt.Text, next string) {
	edit, changed := diffText(t.String(), next)
	if !changed {
		return
	}
	doc.Transact(nil, func() {
		t.Delete(edit.index, edit.deleteLen)
		t.Insert(edit.index, edit.insert)
	})
}

// SetCollapsed folds or unfolds a cell in this client's view only.
func (s *Session) SetCollapsed(id string, collapsed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.runtime[id]; ok {
		rt.Collapsed = collapsed
		s.scheduleFlushLocked()
	}
}

// SetUser publishes the local user label into awareness.
func (s *Session) SetUser(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aw.SetLocalField("user", name)
}

// Doc exposes the underlying replica for tests and advanced embedders.
// Callers must serialize access through the session.
func (s *Session) Doc() *crdt.Doc { return s.doc }
