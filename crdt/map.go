package crdt

// Map is a collaborative keyed record. Writes to the same key resolve
// last-writer-wins by Lamport timestamp, with the writer's client id
// breaking ties.
type Map struct {
	d *Doc
	n *node
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (Value, bool) {
	if m == nil || m.n.typ != NodeMap {
		return Value{}, false
	}
	e, ok := m.n.entries[key]
	if !ok {
		return Value{}, false
	}
	return Value{d: m.d, v: e.val}, true
}

// GetString returns the scalar stored under key, or "" when the key is
// absent or holds a container.
func (m *Map) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	return v.String()
}

// Text returns the Text container stored under key, or nil.
func (m *Map) Text(key string) *Text {
	v, ok := m.Get(key)
	if !ok {
		return nil
	}
	return v.Text()
}

// SetString stores a plain scalar under key.
func (m *Map) SetString(key, val string) {
	if m == nil || m.n.typ != NodeMap {
		return
	}
	m.d.mapSet(m.n.selfRef, key, value{kind: contentString, str: val}, 0)
}

// SetText replaces the value under key with a fresh Text container seeded
// with initial, and returns it.
func (m *Map) SetText(key, initial string) *Text {
	if m == nil || m.n.typ != NodeMap {
		return nil
	}
	var t *Text
	m.d.transact(nil, func() {
		id := m.d.mapSet(m.n.selfRef, key, value{kind: contentNode}, NodeText)
		n := m.d.nodes[id]
		t = &Text{d: m.d, n: n}
		t.Insert(0, initial)
	})
	return t
}
