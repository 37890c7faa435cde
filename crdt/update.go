package crdt

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// ErrBadUpdate reports an update or state vector that does not decode.
var ErrBadUpdate = errors.New("crdt: malformed update")

// encMode uses Core Deterministic Encoding so encoding a document diff is a
// pure function of its inputs: same ops, same bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crdt: CBOR encoder initialization failed: " + err.Error())
	}
}

type wireID struct {
	Client uint64 `cbor:"c"`
	Clock  uint64 `cbor:"k"`
}

type wireSpan struct {
	Client uint64 `cbor:"c"`
	Clock  uint64 `cbor:"k"`
	Len    uint64 `cbor:"n"`
}

type wireOp struct {
	Client uint64     `cbor:"c"`
	Clock  uint64     `cbor:"k"`
	Kind   uint8      `cbor:"o"`
	Root   string     `cbor:"r,omitempty"`
	Parent *wireID    `cbor:"p,omitempty"`
	Origin *wireID    `cbor:"g,omitempty"`
	Key    string     `cbor:"y,omitempty"`
	CKind  uint8      `cbor:"t,omitempty"`
	Str    string     `cbor:"s,omitempty"`
	Node   uint8      `cbor:"d,omitempty"`
	TS     uint64     `cbor:"l,omitempty"`
	Spans  []wireSpan `cbor:"x,omitempty"`
}

func encodeOps(ops []*op) []byte {
	wire := make([]wireOp, 0, len(ops))
	for _, o := range ops {
		w := wireOp{
			Client: o.id.Client,
			Clock:  o.id.Clock,
			Kind:   uint8(o.kind),
			Root:   o.parent.root,
			Key:    o.key,
			CKind:  uint8(o.ckind),
			Str:    o.str,
			Node:   uint8(o.nodeType),
			TS:     o.ts,
		}
		if o.parent.root == "" {
			w.Parent = &wireID{Client: o.parent.node.Client, Clock: o.parent.node.Clock}
		}
		if o.origin != nil {
			w.Origin = &wireID{Client: o.origin.Client, Clock: o.origin.Clock}
		}
		for _, s := range o.spans {
			w.Spans = append(w.Spans, wireSpan{Client: s.id.Client, Clock: s.id.Clock, Len: s.n})
		}
		wire = append(wire, w)
	}
	out, err := encMode.Marshal(wire)
	if err != nil {
		// Every op is built from plain values; marshal cannot fail.
		panic("crdt: encoding update: " + err.Error())
	}
	return out
}

func decodeOps(update []byte) ([]*op, error) {
	var wire []wireOp
	if err := cbor.Unmarshal(update, &wire); err != nil {
		return nil, errors.Join(ErrBadUpdate, err)
	}
	ops := make([]*op, 0, len(wire))
	for _, w := range wire {
		o := &op{
			id:       ID{Client: w.Client, Clock: w.Clock},
			kind:     opKind(w.Kind),
			key:      w.Key,
			ckind:    contentKind(w.CKind),
			str:      w.Str,
			nodeType: NodeType(w.Node),
			ts:       w.TS,
		}
		switch o.kind {
		case opInsert, opDelete, opMapSet:
		default:
			return nil, ErrBadUpdate
		}
		if o.kind == opInsert && o.ckind == contentRunes && o.str == "" {
			// A zero-length run consumes no clock; drop it rather than
			// wedging the per-client stream.
			continue
		}
		if w.Root != "" {
			o.parent = rootRef(w.Root)
		} else if w.Parent != nil {
			o.parent = nodeRef(ID{Client: w.Parent.Client, Clock: w.Parent.Clock})
		} else {
			return nil, ErrBadUpdate
		}
		if w.Origin != nil {
			o.origin = &ID{Client: w.Origin.Client, Clock: w.Origin.Clock}
		}
		for _, s := range w.Spans {
			o.spans = append(o.spans, span{id: ID{Client: s.Client, Clock: s.Clock}, n: s.Len})
		}
		ops = append(ops, o)
	}
	return ops, nil
}

func encodeStateVector(sv map[uint64]uint64) []byte {
	out, err := encMode.Marshal(sv)
	if err != nil {
		panic("crdt: encoding state vector: " + err.Error())
	}
	return out
}

func decodeStateVector(b []byte) (map[uint64]uint64, error) {
	sv := map[uint64]uint64{}
	if err := cbor.Unmarshal(b, &sv); err != nil {
		return nil, errors.Join(ErrBadUpdate, err)
	}
	return sv, nil
}
