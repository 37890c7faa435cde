package session

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ratingeater/webpyter-notebook/awareness"
	"github.com/ratingeater/webpyter-notebook/crdt"
	"github.com/ratingeater/webpyter-notebook/protocol"
)

// provider owns the websocket to the collaboration gateway: dialing,
// exponential-backoff reconnect, the sync handshake, and relaying document
// and awareness traffic in both directions. It is created with connect=false
// so nothing arrives before bootstrap completes.
type provider struct {
	url     string
	log     *zap.Logger
	timeout time.Duration

	// mu is the owning session's serialization lock; every document and
	// awareness touch happens under it.
	mu  *sync.Mutex
	doc *crdt.Doc
	aw  *awareness.Awareness

	// onStatus is called with mu held.
	onStatus func(CollabStatus)

	wsMu sync.Mutex
	ws   *websocket.Conn

	stop    chan struct{}
	started bool
	synced  bool
}

func newProvider(url string, timeout time.Duration, mu *sync.Mutex, doc *crdt.Doc, aw *awareness.Awareness, onStatus func(CollabStatus), log *zap.Logger) *provider {
	p := &provider{
		url:      url,
		log:      log,
		timeout:  timeout,
		mu:       mu,
		doc:      doc,
		aw:       aw,
		onStatus: onStatus,
		stop:     make(chan struct{}),
	}
	// Relay local transactions upstream. Updates applied by the provider
	// itself carry it as origin and are not echoed back.
	doc.OnUpdate(func(update []byte, origin any) {
		if origin != p {
			p.send(protocol.EncodeSyncUpdate(update))
		}
	})
	// Relay local awareness changes (origin nil) upstream.
	aw.OnChange(func(ch awareness.Change, origin any) {
		if origin != nil {
			return
		}
		ids := make([]uint64, 0, len(ch.Added)+len(ch.Updated)+len(ch.Removed))
		ids = append(ids, ch.Added...)
		ids = append(ids, ch.Updated...)
		ids = append(ids, ch.Removed...)
		p.send(protocol.EncodeAwareness(p.aw.Encode(ids)))
	})
	return p
}

// Connect starts the dial/read loop. Idempotent.
func (p *provider) Connect() {
	if p.started {
		return
	}
	p.started = true

	// Sync watchdog: without a completed handshake inside the timeout the
	// status downgrades to fallback. The loop keeps retrying; a later sync
	// still promotes to connected.
	time.AfterFunc(p.timeout, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.synced {
			p.onStatus(CollabFallback)
		}
	})

	go p.run()
}

// Close stops the reconnect loop and drops the socket.
func (p *provider) Close() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.wsMu.Lock()
	if p.ws != nil {
		p.ws.Close()
	}
	p.wsMu.Unlock()
}

func (p *provider) run() {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		ws, _, err := websocket.DefaultDialer.Dial(p.url, nil)
		if err != nil {
			p.log.Debug("collab dial failed", zap.Error(err))
			select {
			case <-time.After(bo.NextBackOff()):
				continue
			case <-p.stop:
				return
			}
		}
		bo.Reset()
		p.wsMu.Lock()
		p.ws = ws
		p.wsMu.Unlock()

		p.handshake()
		p.readLoop(ws)

		p.wsMu.Lock()
		p.ws = nil
		p.wsMu.Unlock()
	}
}

// handshake opens a fresh connection: ask the server what we are missing
// and republish our awareness state.
func (p *provider) handshake() {
	p.mu.Lock()
	step1 := protocol.EncodeSyncStep1(p.doc)
	var aw []byte
	if p.aw.Local() != nil {
		aw = protocol.EncodeAwareness(p.aw.Encode([]uint64{p.aw.ClientID()}))
	}
	p.mu.Unlock()
	p.send(step1)
	if aw != nil {
		p.send(aw)
	}
}

func (p *provider) readLoop(ws *websocket.Conn) {
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		p.handleFrame(data)
	}
}

func (p *provider) handleFrame(data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		p.log.Debug("dropping malformed frame", zap.Error(err))
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch frame.Type {
	case protocol.MessageSync:
		reply, received, err := protocol.HandleSyncPayload(p.doc, frame.Payload, p)
		if err != nil {
			p.log.Debug("dropping malformed sync payload", zap.Error(err))
			return
		}
		if reply != nil {
			p.send(reply)
		}
		if received == protocol.SyncStep2 && !p.synced {
			p.synced = true
			p.onStatus(CollabConnected)
		}
	case protocol.MessageAwareness:
		if err := p.aw.ApplyUpdate(frame.Payload, p); err != nil {
			p.log.Debug("dropping malformed awareness payload", zap.Error(err))
		}
	}
}

// send writes one frame if a socket is up; otherwise the frame is dropped
// and the next handshake resynchronizes.
func (p *provider) send(frame []byte) {
	p.wsMu.Lock()
	defer p.wsMu.Unlock()
	if p.ws == nil {
		return
	}
	if err := p.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		p.ws.Close()
	}
}
