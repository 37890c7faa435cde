package notebook

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratingeater/webpyter-notebook/crdt"
)

func TestSeed_DefaultTemplate(t *testing.T) {
	doc := crdt.NewDocWithClientID(1)
	Seed(doc)

	assert.Equal(t, DefaultTitle, Title(doc))
	cells := Cells(doc)
	require.Len(t, cells, 2)
	assert.Equal(t, TypeMarkdown, cells[0].Type)
	assert.True(t, strings.HasPrefix(cells[0].Content, "# New Notebook"))
	assert.Equal(t, TypeCode, cells[1].Type)
	assert.True(t, strings.HasPrefix(cells[1].Content, "# Write Python code here"))
	assert.NotEmpty(t, cells[0].ID)
	assert.NotEmpty(t, cells[1].ID)
	assert.NotEqual(t, cells[0].ID, cells[1].ID)

	assert.True(t, IsDefaultTemplate(doc))
}

func TestSeed_FiresOneUpdate(t *testing.T) {
	doc := crdt.NewDocWithClientID(1)
	events := 0
	doc.OnUpdate(func(_ []byte, _ any) { events++ })
	Seed(doc)
	assert.Equal(t, 1, events, "seeding is a single transaction")
}

func TestSanitize_CleanDocumentUntouched(t *testing.T) {
	doc := crdt.NewDocWithClientID(1)
	Seed(doc)
	assert.False(t, Sanitize(doc))
}

func TestSanitize_DuplicateIDs(t *testing.T) {
	doc := crdt.NewDocWithClientID(1)
	arr := doc.Array(RootCells)
	for i := 0; i < 2; i++ {
		m := arr.InsertMap(i)
		m.SetString(KeyID, "dup")
		m.SetString(KeyType, TypeCode)
		m.SetText(KeyContent, "")
	}

	assert.True(t, Sanitize(doc))
	cells := Cells(doc)
	require.Len(t, cells, 2)
	assert.Equal(t, "dup", cells[0].ID, "first occurrence keeps its id")
	assert.NotEqual(t, "dup", cells[1].ID)
	assert.NotEmpty(t, cells[1].ID)
}

func TestSanitize_MissingAndBadFields(t *testing.T) {
	doc := crdt.NewDocWithClientID(1)
	arr := doc.Array(RootCells)
	m := arr.InsertMap(0)
	m.SetString(KeyType, "raw") // unknown type, no id, scalar content
	m.SetString(KeyContent, "x = 1")

	assert.True(t, Sanitize(doc))
	cells := Cells(doc)
	require.Len(t, cells, 1)
	assert.NotEmpty(t, cells[0].ID)
	assert.Equal(t, TypeCode, cells[0].Type)
	assert.Equal(t, "x = 1", cells[0].Content)

	cm, _ := CellMap(doc, cells[0].ID)
	require.NotNil(t, cm)
	assert.NotNil(t, cm.Text(KeyContent), "content must be collaborative text")
}

func TestSanitize_ScalarCellRebuilt(t *testing.T) {
	doc := crdt.NewDocWithClientID(1)
	doc.Array(RootCells).InsertString(0, "print('loose')")

	assert.True(t, Sanitize(doc))
	cells := Cells(doc)
	require.Len(t, cells, 1)
	assert.Equal(t, TypeCode, cells[0].Type)
	assert.Equal(t, "print('loose')", cells[0].Content)
	assert.NotEmpty(t, cells[0].ID)
}

func TestSanitize_Idempotent(t *testing.T) {
	doc := crdt.NewDocWithClientID(1)
	arr := doc.Array(RootCells)
	for i := 0; i < 3; i++ {
		m := arr.InsertMap(i)
		m.SetString(KeyID, "dup")
		m.SetString(KeyType, "bogus")
		m.SetString(KeyContent, "scalar")
	}

	assert.True(t, Sanitize(doc))
	first := Cells(doc)
	assert.False(t, Sanitize(doc), "second pass finds nothing to fix")
	assert.Equal(t, first, Cells(doc))
}

func TestSanitize_SurvivesRoundTrip(t *testing.T) {
	doc := crdt.NewDocWithClientID(1)
	arr := doc.Array(RootCells)
	m := arr.InsertMap(0)
	m.SetString(KeyID, "c1")
	m.SetString(KeyType, TypeMarkdown)
	m.SetString(KeyContent, "# notes")
	Sanitize(doc)

	snap, err := doc.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	fresh := crdt.NewDocWithClientID(2)
	require.NoError(t, fresh.ApplyUpdate(snap, nil))
	assert.False(t, Sanitize(fresh))
	assert.Equal(t, Cells(doc), Cells(fresh))
}

func TestIsDefaultTemplate_EditedDocIsNot(t *testing.T) {
	doc := crdt.NewDocWithClientID(1)
	Seed(doc)
	TitleText(doc).Insert(0, "My ")
	assert.False(t, IsDefaultTemplate(doc))
}

func TestCellMap(t *testing.T) {
	doc := crdt.NewDocWithClientID(1)
	Seed(doc)
	cells := Cells(doc)

	m, idx := CellMap(doc, cells[1].ID)
	require.NotNil(t, m)
	assert.Equal(t, 1, idx)

	m, idx = CellMap(doc, "nope")
	assert.Nil(t, m)
	assert.Equal(t, -1, idx)
}
