package crdt

import (
	"crypto/rand"
	"encoding/binary"
)

// Doc is a conflict-free replicated document holding named root containers.
// Merges are associative, commutative and idempotent: applying the same
// update twice, or updates in any order, converges every replica.
//
// A Doc is single-writer: it is not safe for concurrent use. The coordinator
// and the client session each serialize all access behind their own executor,
// which also preserves the updates-in-applied-order broadcast guarantee.
type Doc struct {
	clientID uint64

	roots map[string]*node
	nodes map[ID]*node

	log     map[uint64][]*op // canonical op stream per client, clock order
	sv      map[uint64]uint64
	lamport uint64 // highest map-set timestamp observed
	pending []*op

	txDepth  int
	txOrigin any
	txOps    []*op

	onUpdate []func(update []byte, origin any)
}

// NewDoc creates an empty document with a random client identity.
func NewDoc() *Doc {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("crdt: reading random client id: " + err.Error())
	}
	return NewDocWithClientID(uint64(binary.BigEndian.Uint32(b[:])))
}

// NewDocWithClientID creates a document with a fixed client identity.
// Useful in tests where deterministic tie-breaking matters.
func NewDocWithClientID(clientID uint64) *Doc {
	return &Doc{
		clientID: clientID,
		roots:    make(map[string]*node),
		nodes:    make(map[ID]*node),
		log:      make(map[uint64][]*op),
		sv:       make(map[uint64]uint64),
	}
}

// ClientID returns the identity local edits are attributed to.
func (d *Doc) ClientID() uint64 { return d.clientID }

// OnUpdate registers a handler fired once per committed transaction with the
// encoded update and the transaction origin. Handlers run synchronously in
// commit order.
func (d *Doc) OnUpdate(fn func(update []byte, origin any)) {
	d.onUpdate = append(d.onUpdate, fn)
}

// Transact groups mutations into a single update event. Nested calls join
// the outermost transaction; the origin of the outermost call wins.
func (d *Doc) Transact(origin any, fn func()) {
	d.transact(origin, fn)
}

func (d *Doc) transact(origin any, fn func()) {
	d.txDepth++
	if d.txDepth == 1 {
		d.txOrigin = origin
		d.txOps = nil
	}
	fn()
	d.txDepth--
	if d.txDepth > 0 {
		return
	}
	ops := d.txOps
	d.txOps = nil
	if len(ops) == 0 {
		return
	}
	update := encodeOps(ops)
	org := d.txOrigin
	for _, h := range d.onUpdate {
		h(update, org)
	}
}

// ApplyUpdate merges a remote update into the document. Unknown dependencies
// are parked until the ops they need arrive; duplicates are ignored.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}
	d.transact(origin, func() {
		d.integrateOps(ops)
	})
	return nil
}

// StateVector encodes how much of every client's op stream this replica has
// observed.
func (d *Doc) StateVector() []byte {
	return encodeStateVector(d.sv)
}

// EncodeStateAsUpdate encodes everything the remote replica described by
// stateVector is missing. A nil stateVector encodes the full document.
func (d *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	remote := map[uint64]uint64{}
	if len(stateVector) > 0 {
		var err error
		remote, err = decodeStateVector(stateVector)
		if err != nil {
			return nil, err
		}
	}
	return encodeOps(d.diff(remote)), nil
}

// diff returns the ops the remote state vector has not observed, in a
// deterministic order.
func (d *Doc) diff(remote map[uint64]uint64) []*op {
	clients := make([]uint64, 0, len(d.log))
	for c := range d.log {
		clients = append(clients, c)
	}
	sortUint64s(clients)
	var out []*op
	for _, c := range clients {
		have := remote[c]
		for _, o := range d.log[c] {
			if o.id.Clock >= have {
				out = append(out, o)
			}
		}
	}
	return out
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// Roots.

// Text returns the named root text container, creating it on first access.
func (d *Doc) Text(name string) *Text {
	return &Text{d: d, n: d.getRoot(name, NodeText)}
}

// Array returns the named root array container, creating it on first access.
func (d *Doc) Array(name string) *Array {
	return &Array{d: d, n: d.getRoot(name, NodeArray)}
}

func (d *Doc) getRoot(name string, typ NodeType) *node {
	if n, ok := d.roots[name]; ok {
		return n
	}
	n := newNode(typ)
	n.selfRef = rootRef(name)
	d.roots[name] = n
	return n
}

// Integration.

type applyResult uint8

const (
	applyDone applyResult = iota
	applyDup
	applyWait
)

func (d *Doc) integrateOps(ops []*op) {
	queue := append(d.pending, ops...)
	d.pending = nil
	for {
		progress := false
		var waiting []*op
		for _, o := range queue {
			switch d.tryApply(o) {
			case applyDone:
				progress = true
			case applyWait:
				waiting = append(waiting, o)
			}
		}
		queue = waiting
		if !progress || len(queue) == 0 {
			break
		}
	}
	d.pending = queue
}

func (d *Doc) tryApply(o *op) applyResult {
	next := d.sv[o.id.Client]
	if o.id.Clock < next {
		return applyDup
	}
	if o.id.Clock > next {
		return applyWait
	}

	parent, ok := d.resolveParent(o)
	if !ok {
		return applyWait
	}
	if parent == nil {
		// Parent exists but its type cannot host this op (corrupt input).
		// Consume the clock so the stream does not wedge.
		d.record(o)
		return applyDone
	}

	switch o.kind {
	case opInsert:
		var origin *item
		if o.origin != nil {
			origin = parent.byID[*o.origin]
			if origin == nil {
				return applyWait
			}
		}
		d.applyInsert(parent, o, origin)
	case opMapSet:
		d.applyMapSet(parent, o)
	case opDelete:
		if !d.applyDelete(parent, o) {
			return applyWait
		}
	}
	d.record(o)
	return applyDone
}

func (d *Doc) record(o *op) {
	if o.ts > d.lamport {
		d.lamport = o.ts
	}
	d.sv[o.id.Client] = o.id.Clock + o.clockLen()
	d.log[o.id.Client] = append(d.log[o.id.Client], o)
	d.txOps = append(d.txOps, o)
}

// resolveParent returns (nil, false) when the parent is not known yet,
// (nil, true) when it exists but is incompatible, and the node otherwise.
func (d *Doc) resolveParent(o *op) (*node, bool) {
	if o.parent.root != "" {
		n, ok := d.roots[o.parent.root]
		if !ok {
			if o.kind == opDelete {
				// Nothing to delete yet; wait for the inserts.
				return nil, false
			}
			n = newNode(o.impliedRootType())
			n.selfRef = rootRef(o.parent.root)
			d.roots[o.parent.root] = n
		}
		if !o.compatibleWith(n.typ) {
			return nil, true
		}
		return n, true
	}
	n, ok := d.nodes[o.parent.node]
	if !ok {
		return nil, false
	}
	if !o.compatibleWith(n.typ) {
		return nil, true
	}
	return n, true
}

func (d *Doc) applyInsert(parent *node, o *op, origin *item) {
	switch o.ckind {
	case contentRunes:
		prev := origin
		clock := o.id.Clock
		for _, r := range o.str {
			it := &item{id: ID{Client: o.id.Client, Clock: clock}, r: r}
			parent.integrate(it, prev)
			prev = it
			clock++
		}
	case contentNode:
		child := newNode(o.nodeType)
		child.selfRef = nodeRef(o.id)
		d.nodes[o.id] = child
		it := &item{id: o.id, val: value{kind: contentNode, node: child}}
		parent.integrate(it, origin)
	case contentString:
		it := &item{id: o.id, val: value{kind: contentString, str: o.str}}
		parent.integrate(it, origin)
	}
}

func (d *Doc) applyMapSet(parent *node, o *op) {
	val := value{kind: o.ckind, str: o.str}
	if o.ckind == contentNode {
		child := newNode(o.nodeType)
		child.selfRef = nodeRef(o.id)
		d.nodes[o.id] = child
		val.node = child
	}
	cur, ok := parent.entries[o.key]
	if !ok || cur.ts < o.ts || (cur.ts == o.ts && cur.id.Client < o.id.Client) {
		parent.entries[o.key] = &mapEntry{id: o.id, ts: o.ts, val: val}
	}
}

func (d *Doc) applyDelete(parent *node, o *op) bool {
	// All targets must be present before any of them is tombstoned, so a
	// partially-arrived update parks the whole op instead of half-applying.
	for _, s := range o.spans {
		for k := uint64(0); k < s.n; k++ {
			if parent.byID[ID{Client: s.id.Client, Clock: s.id.Clock + k}] == nil {
				return false
			}
		}
	}
	for _, s := range o.spans {
		for k := uint64(0); k < s.n; k++ {
			parent.byID[ID{Client: s.id.Client, Clock: s.id.Clock + k}].deleted = true
		}
	}
	return true
}

// Local mutation helpers. Local ops always apply immediately: their
// dependencies were just resolved against the live structure.

func (d *Doc) localOp(o *op) {
	d.transact(nil, func() {
		o.id = ID{Client: d.clientID, Clock: d.sv[d.clientID]}
		d.tryApply(o)
	})
}

func (d *Doc) seqInsertRunes(parent ref, n *node, idx int, s string) {
	if s == "" {
		return
	}
	o := &op{kind: opInsert, parent: parent, ckind: contentRunes, str: s}
	o.origin = originAt(n, idx)
	d.localOp(o)
}

func (d *Doc) seqInsertNode(parent ref, n *node, idx int, typ NodeType) ID {
	o := &op{kind: opInsert, parent: parent, ckind: contentNode, nodeType: typ}
	o.origin = originAt(n, idx)
	d.localOp(o)
	return o.id
}

func (d *Doc) seqInsertString(parent ref, n *node, idx int, s string) {
	o := &op{kind: opInsert, parent: parent, ckind: contentString, str: s}
	o.origin = originAt(n, idx)
	d.localOp(o)
}

func (d *Doc) seqDelete(parent ref, n *node, idx, count int) {
	vis := n.visible()
	if idx < 0 || idx >= len(vis) || count <= 0 {
		return
	}
	if idx+count > len(vis) {
		count = len(vis) - idx
	}
	var spans []span
	for _, it := range vis[idx : idx+count] {
		if k := len(spans) - 1; k >= 0 &&
			spans[k].id.Client == it.id.Client &&
			spans[k].id.Clock+spans[k].n == it.id.Clock {
			spans[k].n++
			continue
		}
		spans = append(spans, span{id: it.id, n: 1})
	}
	d.localOp(&op{kind: opDelete, parent: parent, spans: spans})
}

func (d *Doc) mapSet(parent ref, key string, val value, typ NodeType) ID {
	o := &op{kind: opMapSet, parent: parent, key: key, ckind: val.kind, str: val.str, nodeType: typ, ts: d.lamport + 1}
	d.localOp(o)
	return o.id
}

// originAt returns the ID of the visible item preceding index idx, or nil
// for a head insert. idx beyond the end appends.
func originAt(n *node, idx int) *ID {
	if idx <= 0 {
		return nil
	}
	vis := n.visible()
	if idx > len(vis) {
		idx = len(vis)
	}
	id := vis[idx-1].id
	return &id
}
