package crdt

type opKind uint8

const (
	opInsert opKind = iota + 1
	opDelete
	opMapSet
)

type span struct {
	id ID
	n  uint64
}

// op is one unit of the per-client op stream. Ops are immutable once
// created; every replica sees the identical stream for a given client.
type op struct {
	id     ID
	kind   opKind
	parent ref
	origin *ID

	key      string
	ckind    contentKind
	str      string
	nodeType NodeType
	ts       uint64 // Lamport timestamp; map-set conflict resolution

	spans []span
}

// clockLen is the number of clock values the op consumes from its author.
// Text runs consume one clock per rune so concurrent edits can land between
// any two characters of the run.
func (o *op) clockLen() uint64 {
	if o.kind == opInsert && o.ckind == contentRunes {
		n := uint64(0)
		for range o.str {
			n++
		}
		return n
	}
	return 1
}

// impliedRootType picks the container type when an op targets a root this
// replica has not accessed yet.
func (o *op) impliedRootType() NodeType {
	switch {
	case o.kind == opMapSet:
		return NodeMap
	case o.kind == opInsert && o.ckind == contentRunes:
		return NodeText
	default:
		return NodeArray
	}
}

func (o *op) compatibleWith(typ NodeType) bool {
	switch o.kind {
	case opMapSet:
		return typ == NodeMap
	case opInsert:
		if o.ckind == contentRunes {
			return typ == NodeText
		}
		return typ == NodeArray
	case opDelete:
		return typ == NodeText || typ == NodeArray
	}
	return false
}
