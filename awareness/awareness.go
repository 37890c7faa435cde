// Package awareness tracks ephemeral per-connection presence state: user
// labels, cursors, heartbeats. Nothing here is persisted; an entry lives
// only as long as its peer keeps refreshing it.
package awareness

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// HeartbeatInterval is how often peers refresh their own state.
const HeartbeatInterval = 15 * time.Second

// StaleAfter is how long a peer may stay silent before it is dropped from
// peer counts.
const StaleAfter = 60 * time.Second

// ErrBadUpdate reports an awareness payload that does not decode.
var ErrBadUpdate = errors.New("awareness: malformed update")

// State is one peer's presence payload.
type State map[string]any

// Change lists the client ids affected by one applied update.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

// Awareness is the presence registry bound to one document replica. Like the
// document it is single-writer: callers serialize access.
type Awareness struct {
	clientID uint64
	states   map[uint64]State
	meta     map[uint64]meta
	handlers []func(Change, any)
}

// New creates an empty registry owned by clientID.
func New(clientID uint64) *Awareness {
	return &Awareness{
		clientID: clientID,
		states:   make(map[uint64]State),
		meta:     make(map[uint64]meta),
	}
}

// ClientID returns the local client identity.
func (a *Awareness) ClientID() uint64 { return a.clientID }

// OnChange registers a handler fired once per applied update with the
// affected client ids and the update origin.
func (a *Awareness) OnChange(fn func(Change, any)) {
	a.handlers = append(a.handlers, fn)
}

// Local returns the local state, or nil when unset.
func (a *Awareness) Local() State { return a.states[a.clientID] }

// SetLocal replaces the local state. A nil state removes the local entry.
func (a *Awareness) SetLocal(s State) {
	m := a.meta[a.clientID]
	m.clock++
	m.lastUpdated = time.Now()
	a.meta[a.clientID] = m

	var ch Change
	_, had := a.states[a.clientID]
	switch {
	case s == nil && had:
		delete(a.states, a.clientID)
		ch.Removed = []uint64{a.clientID}
	case s == nil:
		return
	case had:
		a.states[a.clientID] = s
		ch.Updated = []uint64{a.clientID}
	default:
		a.states[a.clientID] = s
		ch.Added = []uint64{a.clientID}
	}
	a.fire(ch, nil)
}

// SetLocalField updates one key of the local state, creating the state when
// absent.
func (a *Awareness) SetLocalField(key string, val any) {
	s := State{}
	for k, v := range a.states[a.clientID] {
		s[k] = v
	}
	s[key] = val
	a.SetLocal(s)
}

// States returns a copy of every live entry.
func (a *Awareness) States() map[uint64]State {
	out := make(map[uint64]State, len(a.states))
	for id, s := range a.states {
		out[id] = s
	}
	return out
}

// LastUpdated returns when the entry for id last changed.
func (a *Awareness) LastUpdated(id uint64) (time.Time, bool) {
	m, ok := a.meta[id]
	if !ok {
		return time.Time{}, false
	}
	return m.lastUpdated, true
}

// ClientIDs returns the ids of every live entry.
func (a *Awareness) ClientIDs() []uint64 {
	out := make([]uint64, 0, len(a.states))
	for id := range a.states {
		out = append(out, id)
	}
	return out
}

type wireEntry struct {
	ClientID uint64          `cbor:"c"`
	Clock    uint64          `cbor:"k"`
	State    cbor.RawMessage `cbor:"s,omitempty"`
}

// Encode serializes the entries for ids, or every known entry (including
// removals) when ids is nil.
func (a *Awareness) Encode(ids []uint64) []byte {
	if ids == nil {
		ids = make([]uint64, 0, len(a.meta))
		for id := range a.meta {
			ids = append(ids, id)
		}
	}
	entries := make([]wireEntry, 0, len(ids))
	for _, id := range ids {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		e := wireEntry{ClientID: id, Clock: m.clock}
		if s, live := a.states[id]; live {
			raw, err := cbor.Marshal(s)
			if err != nil {
				continue
			}
			e.State = raw
		}
		entries = append(entries, e)
	}
	out, err := cbor.Marshal(entries)
	if err != nil {
		panic("awareness: encoding update: " + err.Error())
	}
	return out
}

// ApplyUpdate merges a remote payload, firing one change event for the
// affected ids. Entries older than what the registry already holds are
// ignored.
func (a *Awareness) ApplyUpdate(payload []byte, origin any) error {
	var entries []wireEntry
	if err := cbor.Unmarshal(payload, &entries); err != nil {
		return errors.Join(ErrBadUpdate, err)
	}
	var ch Change
	now := time.Now()
	for _, e := range entries {
		cur, known := a.meta[e.ClientID]
		if known && e.Clock < cur.clock {
			continue
		}
		removal := len(e.State) == 0
		if known && e.Clock == cur.clock && !removal {
			continue
		}
		a.meta[e.ClientID] = meta{clock: e.Clock, lastUpdated: now}
		_, had := a.states[e.ClientID]
		if removal {
			if had {
				delete(a.states, e.ClientID)
				ch.Removed = append(ch.Removed, e.ClientID)
			}
			continue
		}
		var s State
		if err := cbor.Unmarshal(e.State, &s); err != nil {
			continue
		}
		a.states[e.ClientID] = s
		if had {
			ch.Updated = append(ch.Updated, e.ClientID)
		} else {
			ch.Added = append(ch.Added, e.ClientID)
		}
	}
	if len(ch.Added)+len(ch.Updated)+len(ch.Removed) > 0 {
		a.fire(ch, origin)
	}
	return nil
}

// RemoveStates drops the entries for ids, attributing the removal to origin.
// Used by the coordinator when the socket controlling those ids goes away.
func (a *Awareness) RemoveStates(ids []uint64, origin any) {
	var ch Change
	for _, id := range ids {
		if _, ok := a.states[id]; !ok {
			continue
		}
		m := a.meta[id]
		m.clock++
		m.lastUpdated = time.Now()
		a.meta[id] = m
		delete(a.states, id)
		ch.Removed = append(ch.Removed, id)
	}
	if len(ch.Removed) > 0 {
		a.fire(ch, origin)
	}
}

func (a *Awareness) fire(ch Change, origin any) {
	for _, h := range a.handlers {
		h(ch, origin)
	}
}
