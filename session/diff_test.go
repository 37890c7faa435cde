package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratingeater/webpyter-notebook/crdt"
)

func TestDiffText_AppliedYieldsNext(t *testing.T) {
	cases := []struct{ prev, next string }{
		{"", "hello"},
		{"hello", ""},
		{"hello", "hello world"},
		{"hello world", "hello"},
		{"print(1)", "print(2)"},
		{"abc", "axc"},
		{"aaaa", "aa"},
		{"aa", "aaaa"},
		{"notebook", "note"},
		{"say é", "say è"}, // multibyte runes
		{"same", "same"},
	}
	for _, tc := range cases {
		doc := crdt.NewDocWithClientID(1)
		txt := doc.Text("t")
		txt.Insert(0, tc.prev)

		edit, changed := diffText(tc.prev, tc.next)
		if !changed {
			assert.Equal(t, tc.prev, tc.next)
			continue
		}
		txt.Delete(edit.index, edit.deleteLen)
		txt.Insert(edit.index, edit.insert)
		assert.Equal(t, tc.next, txt.String(), "prev=%q next=%q", tc.prev, tc.next)
	}
}

func TestDiffText_MinimalEdit(t *testing.T) {
	edit, changed := diffText("hello cruel world", "hello kind world")
	require.True(t, changed)
	assert.Equal(t, 6, edit.index)
	assert.Equal(t, 5, edit.deleteLen)
	assert.Equal(t, "kind", edit.insert)
}

func TestDiffText_PreservesConcurrentRegions(t *testing.T) {
	// Two peers edit disjoint regions of the same text; because updates are
	// minimal diffs, neither clobbers the other.
	a := crdt.NewDocWithClientID(1)
	b := crdt.NewDocWithClientID(2)
	a.Text("t").Insert(0, "left middle right")
	snap, err := a.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(snap, nil))

	applyEdit := func(txt *crdt.Text, next string) {
		edit, changed := diffText(txt.String(), next)
		require.True(t, changed)
		txt.Delete(edit.index, edit.deleteLen)
		txt.Insert(edit.index, edit.insert)
	}
	applyEdit(a.Text("t"), "LEFT middle right")
	applyEdit(b.Text("t"), "left middle RIGHT")

	ua, err := a.EncodeStateAsUpdate(b.StateVector())
	require.NoError(t, err)
	ub, err := b.EncodeStateAsUpdate(a.StateVector())
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(ua, nil))
	require.NoError(t, a.ApplyUpdate(ub, nil))

	assert.Equal(t, "LEFT middle RIGHT", a.Text("t").String())
	assert.Equal(t, a.Text("t").String(), b.Text("t").String())
}
