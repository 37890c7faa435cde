package coordinator

import (
	"github.com/gorilla/websocket"
)

const sendQueueSize = 256

// conn is one accepted websocket with its per-socket attachment: the
// awareness client ids this socket speaks for. On close, exactly those ids
// are removed from the registry so a flaky peer never clobbers anyone
// else's presence.
type conn struct {
	ws   *websocket.Conn
	send chan []byte

	controlled map[uint64]struct{}
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:         ws,
		send:       make(chan []byte, sendQueueSize),
		controlled: make(map[uint64]struct{}),
	}
}

// trySend queues a frame without blocking the coordinator. A peer that
// cannot drain its queue gets disconnected rather than stalling everyone.
// Only called with the coordinator lock held, which also serializes against
// the close of the send channel.
func (s *conn) trySend(frame []byte) {
	select {
	case s.send <- frame:
	default:
		s.ws.Close()
	}
}

func (s *conn) controlledIDs() []uint64 {
	out := make([]uint64, 0, len(s.controlled))
	for id := range s.controlled {
		out = append(out, id)
	}
	return out
}

// writePump drains the send queue onto the socket. One pump per socket; it
// exits when the coordinator closes the queue or the peer goes away.
func (s *conn) writePump() {
	defer s.ws.Close()
	for frame := range s.send {
		if err := s.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
	}
	s.ws.WriteMessage(websocket.CloseMessage, []byte{})
}
