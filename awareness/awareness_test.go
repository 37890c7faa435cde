package awareness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLocal_FiresChange(t *testing.T) {
	a := New(1)
	var changes []Change
	a.OnChange(func(ch Change, _ any) { changes = append(changes, ch) })

	a.SetLocal(State{"user": "ada"})
	require.Len(t, changes, 1)
	assert.Equal(t, []uint64{1}, changes[0].Added)

	a.SetLocalField("hb", int64(42))
	require.Len(t, changes, 2)
	assert.Equal(t, []uint64{1}, changes[1].Updated)
	assert.Equal(t, "ada", a.Local()["user"])

	a.SetLocal(nil)
	require.Len(t, changes, 3)
	assert.Equal(t, []uint64{1}, changes[2].Removed)
	assert.Nil(t, a.Local())
}

func TestEncodeApplyRoundTrip(t *testing.T) {
	src := New(1)
	src.SetLocal(State{"user": "ada", "nonce": "n-1"})

	dst := New(2)
	var seenOrigin any
	dst.OnChange(func(_ Change, origin any) { seenOrigin = origin })

	require.NoError(t, dst.ApplyUpdate(src.Encode(nil), "sock"))
	assert.Equal(t, "sock", seenOrigin)

	states := dst.States()
	require.Contains(t, states, uint64(1))
	assert.Equal(t, "ada", states[1]["user"])
	assert.Equal(t, "n-1", states[1]["nonce"])
	_, ok := dst.LastUpdated(1)
	assert.True(t, ok)
}

func TestApplyUpdate_StaleClockIgnored(t *testing.T) {
	src := New(1)
	src.SetLocal(State{"v": "old"})
	oldPayload := src.Encode(nil)
	src.SetLocal(State{"v": "new"})
	newPayload := src.Encode(nil)

	dst := New(2)
	require.NoError(t, dst.ApplyUpdate(newPayload, nil))
	require.NoError(t, dst.ApplyUpdate(oldPayload, nil))
	assert.Equal(t, "new", dst.States()[1]["v"])
}

func TestRemovalPropagates(t *testing.T) {
	src := New(1)
	src.SetLocal(State{"user": "ada"})

	dst := New(2)
	require.NoError(t, dst.ApplyUpdate(src.Encode(nil), nil))
	require.Contains(t, dst.States(), uint64(1))

	// A removal encodes as an entry with no state and a bumped clock.
	src.SetLocal(nil)
	var ch Change
	dst.OnChange(func(c Change, _ any) { ch = c })
	require.NoError(t, dst.ApplyUpdate(src.Encode(nil), nil))
	assert.Equal(t, []uint64{1}, ch.Removed)
	assert.NotContains(t, dst.States(), uint64(1))
}

func TestRemoveStates(t *testing.T) {
	a := New(1)
	peer := New(9)
	peer.SetLocal(State{"user": "bob"})
	require.NoError(t, a.ApplyUpdate(peer.Encode(nil), nil))
	require.Contains(t, a.States(), uint64(9))

	var ch Change
	a.OnChange(func(c Change, _ any) { ch = c })
	a.RemoveStates([]uint64{9, 12345}, "closing-sock")
	assert.Equal(t, []uint64{9}, ch.Removed)
	assert.NotContains(t, a.States(), uint64(9))
}

func TestApplyUpdate_Malformed(t *testing.T) {
	a := New(1)
	assert.ErrorIs(t, a.ApplyUpdate([]byte{0xff}, nil), ErrBadUpdate)
}
