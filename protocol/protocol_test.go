package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratingeater/webpyter-notebook/crdt"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	frame, err := DecodeFrame(EncodeFrame(MessageAwareness, payload))
	require.NoError(t, err)
	assert.Equal(t, MessageAwareness, frame.Type)
	assert.Equal(t, payload, frame.Payload)
}

func TestFrameRoundTrip_Empty(t *testing.T) {
	frame, err := DecodeFrame(EncodeFrame(MessageAuth, nil))
	require.NoError(t, err)
	assert.Equal(t, MessageAuth, frame.Type)
	assert.Empty(t, frame.Payload)
}

func TestDecodeFrame_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":     {},
		"truncated": {0x00, 0x10, 0x01},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFrame(raw)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestSyncHandshakeConvergesPeers(t *testing.T) {
	server := crdt.NewDocWithClientID(1)
	client := crdt.NewDocWithClientID(2)
	server.Text("title").Insert(0, "shared state")

	// Server greets with step 1; client answers with its (empty) step 2.
	frame, err := DecodeFrame(EncodeSyncStep1(server))
	require.NoError(t, err)
	require.Equal(t, MessageSync, frame.Type)
	reply, received, err := HandleSyncPayload(client, frame.Payload, nil)
	require.NoError(t, err)
	assert.Equal(t, SyncStep1, received)
	require.NotNil(t, reply, "step 1 always earns a step 2 reply")

	serverFrame, err := DecodeFrame(reply)
	require.NoError(t, err)
	_, received, err = HandleSyncPayload(server, serverFrame.Payload, nil)
	require.NoError(t, err)
	assert.Equal(t, SyncStep2, received)

	// Client asks in the other direction and picks up the server state.
	frame, err = DecodeFrame(EncodeSyncStep1(client))
	require.NoError(t, err)
	reply, _, err = HandleSyncPayload(server, frame.Payload, nil)
	require.NoError(t, err)
	require.NotNil(t, reply)
	clientFrame, err := DecodeFrame(reply)
	require.NoError(t, err)
	_, _, err = HandleSyncPayload(client, clientFrame.Payload, nil)
	require.NoError(t, err)

	assert.Equal(t, "shared state", client.Text("title").String())
}

func TestHandleSyncPayload_UpdatePropagatesOrigin(t *testing.T) {
	src := crdt.NewDocWithClientID(1)
	var update []byte
	src.OnUpdate(func(u []byte, _ any) { update = u })
	src.Text("title").Insert(0, "x")

	dst := crdt.NewDocWithClientID(2)
	origin := "socket-7"
	var seen any
	dst.OnUpdate(func(_ []byte, o any) { seen = o })

	frame, err := DecodeFrame(EncodeSyncUpdate(update))
	require.NoError(t, err)
	reply, received, err := HandleSyncPayload(dst, frame.Payload, origin)
	require.NoError(t, err)
	assert.Nil(t, reply, "updates earn no reply")
	assert.Equal(t, SyncUpdate, received)
	assert.Equal(t, origin, seen)
	assert.Equal(t, "x", dst.Text("title").String())
}

func TestHandleSyncPayload_UnknownSubtypeIgnored(t *testing.T) {
	doc := crdt.NewDocWithClientID(1)
	reply, _, err := HandleSyncPayload(doc, []byte{0x2a}, nil)
	assert.NoError(t, err)
	assert.Nil(t, reply)
}

func TestHandleSyncPayload_Malformed(t *testing.T) {
	doc := crdt.NewDocWithClientID(1)
	_, _, err := HandleSyncPayload(doc, nil, nil)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
