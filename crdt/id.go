package crdt

// ID identifies a single CRDT element: the client that created it and the
// logical clock value the element consumed from that client. Clocks are
// strictly sequential per client, so an ID is globally unique.
type ID struct {
	Client uint64
	Clock  uint64
}

// less orders IDs by (Clock, Client). Any total order works for sibling
// tie-breaking as long as every replica uses the same one.
func (a ID) less(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Client < b.Client
}

// ref addresses the container an op applies to: either a named root or a
// nested node created by an earlier op.
type ref struct {
	root string
	node ID
}

func rootRef(name string) ref { return ref{root: name} }
func nodeRef(id ID) ref       { return ref{node: id} }
