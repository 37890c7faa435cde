// Package protocol implements the framed wire protocol spoken between the
// notebook coordinator and its websocket peers. Every frame is a varint
// message type followed by a varint-length-prefixed payload. Sync payloads
// carry a varint submessage type and a CRDT body.
package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/ratingeater/webpyter-notebook/crdt"
)

// Message types.
const (
	MessageSync      uint64 = 0
	MessageAwareness uint64 = 1
	MessageAuth      uint64 = 2
)

// Sync submessage types.
const (
	SyncStep1  uint64 = 0
	SyncStep2  uint64 = 1
	SyncUpdate uint64 = 2
)

// ErrMalformedFrame reports a frame that does not decode. The caller drops
// the frame; it never tears down the connection.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Frame is one decoded websocket message.
type Frame struct {
	Type    uint64
	Payload []byte
}

// EncodeFrame builds the wire bytes for one frame.
func EncodeFrame(typ uint64, payload []byte) []byte {
	buf := make([]byte, 0, 2*binary.MaxVarintLen64+len(payload))
	buf = binary.AppendUvarint(buf, typ)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// DecodeFrame parses one frame.
func DecodeFrame(b []byte) (Frame, error) {
	typ, n := binary.Uvarint(b)
	if n <= 0 {
		return Frame{}, ErrMalformedFrame
	}
	b = b[n:]
	size, n := binary.Uvarint(b)
	if n <= 0 {
		return Frame{}, ErrMalformedFrame
	}
	b = b[n:]
	if uint64(len(b)) < size {
		return Frame{}, ErrMalformedFrame
	}
	return Frame{Type: typ, Payload: b[:size]}, nil
}

func syncPayload(step uint64, body []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(body))
	buf = binary.AppendUvarint(buf, step)
	return append(buf, body...)
}

// EncodeSyncStep1 frames the document's state vector: "tell me what I am
// missing".
func EncodeSyncStep1(doc *crdt.Doc) []byte {
	return EncodeFrame(MessageSync, syncPayload(SyncStep1, doc.StateVector()))
}

// EncodeSyncStep2 frames the update a step-1 sender is missing.
func EncodeSyncStep2(doc *crdt.Doc, stateVector []byte) ([]byte, error) {
	update, err := doc.EncodeStateAsUpdate(stateVector)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(MessageSync, syncPayload(SyncStep2, update)), nil
}

// EncodeSyncUpdate frames an incremental document update.
func EncodeSyncUpdate(update []byte) []byte {
	return EncodeFrame(MessageSync, syncPayload(SyncUpdate, update))
}

// EncodeAwareness frames an awareness registry payload.
func EncodeAwareness(payload []byte) []byte {
	return EncodeFrame(MessageAwareness, payload)
}

// HandleSyncPayload consumes one SYNC payload against doc, attributing any
// applied update to origin. The returned reply, when non-nil, goes back to
// the sender only. received reports which submessage arrived, letting the
// caller detect a completed step-1/step-2 handshake.
func HandleSyncPayload(doc *crdt.Doc, payload []byte, origin any) (reply []byte, received uint64, err error) {
	step, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, 0, ErrMalformedFrame
	}
	body := payload[n:]
	switch step {
	case SyncStep1:
		reply, err := EncodeSyncStep2(doc, body)
		if err != nil {
			return nil, step, errors.Join(ErrMalformedFrame, err)
		}
		return reply, step, nil
	case SyncStep2, SyncUpdate:
		if err := doc.ApplyUpdate(body, origin); err != nil {
			return nil, step, errors.Join(ErrMalformedFrame, err)
		}
		return nil, step, nil
	default:
		// Unknown submessage: protocol version skew. Ignore and continue.
		return nil, step, nil
	}
}
