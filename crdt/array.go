package crdt

// Array is a collaborative ordered sequence of values.
type Array struct {
	d *Doc
	n *node
}

// Len counts the live elements.
func (a *Array) Len() int {
	if a == nil || a.n.typ != NodeArray {
		return 0
	}
	return a.n.visibleLen()
}

// Get returns the element at index idx.
func (a *Array) Get(idx int) (Value, bool) {
	if a == nil || a.n.typ != NodeArray {
		return Value{}, false
	}
	vis := a.n.visible()
	if idx < 0 || idx >= len(vis) {
		return Value{}, false
	}
	return Value{d: a.d, v: vis[idx].val}, true
}

// InsertMap creates a fresh Map element before index idx and returns it.
func (a *Array) InsertMap(idx int) *Map {
	if a == nil || a.n.typ != NodeArray {
		return nil
	}
	var m *Map
	a.d.transact(nil, func() {
		id := a.d.seqInsertNode(a.n.selfRef, a.n, idx, NodeMap)
		m = &Map{d: a.d, n: a.d.nodes[id]}
	})
	return m
}

// InsertString places a plain scalar element before index idx. Scalar
// elements are legal on the wire but the notebook schema rewrites them into
// Map cells during sanitization.
func (a *Array) InsertString(idx int, s string) {
	if a == nil || a.n.typ != NodeArray {
		return
	}
	a.d.seqInsertString(a.n.selfRef, a.n, idx, s)
}

// Delete removes count elements starting at index idx.
func (a *Array) Delete(idx, count int) {
	if a == nil || a.n.typ != NodeArray {
		return
	}
	a.d.seqDelete(a.n.selfRef, a.n, idx, count)
}

// Value is the payload of an array element or map entry.
type Value struct {
	d *Doc
	v value
}

// IsString reports whether the value is a plain scalar.
func (v Value) IsString() bool { return v.v.kind == contentString }

// String returns the scalar payload, or "" for container values.
func (v Value) String() string {
	if v.v.kind == contentString {
		return v.v.str
	}
	return ""
}

// Map returns the value as a Map container, or nil.
func (v Value) Map() *Map {
	if v.v.kind == contentNode && v.v.node != nil && v.v.node.typ == NodeMap {
		return &Map{d: v.d, n: v.v.node}
	}
	return nil
}

// Text returns the value as a Text container, or nil.
func (v Value) Text() *Text {
	if v.v.kind == contentNode && v.v.node != nil && v.v.node.typ == NodeText {
		return &Text{d: v.d, n: v.v.node}
	}
	return nil
}
