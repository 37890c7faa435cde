package crdt

// Text is a collaborative character sequence. Concurrent inserts and deletes
// converge on every replica.
type Text struct {
	d *Doc
	n *node
}

// String renders the live text.
func (t *Text) String() string {
	if t == nil || t.n.typ != NodeText {
		return ""
	}
	return t.n.text()
}

// Len counts the live runes.
func (t *Text) Len() int {
	if t == nil || t.n.typ != NodeText {
		return 0
	}
	return t.n.visibleLen()
}

// Insert places s before rune index idx. Indexes past the end append.
func (t *Text) Insert(idx int, s string) {
	if t == nil || t.n.typ != NodeText {
		return
	}
	t.d.seqInsertRunes(t.n.selfRef, t.n, idx, s)
}

// Delete removes count runes starting at rune index idx.
func (t *Text) Delete(idx, count int) {
	if t == nil || t.n.typ != NodeText {
		return
	}
	t.d.seqDelete(t.n.selfRef, t.n, idx, count)
}
