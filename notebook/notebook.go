// Package notebook defines the shared document schema: a collaborative
// title and an ordered sequence of cells. Both the coordinator and the
// client session enforce the same invariants through Sanitize, so a replica
// never has to trust its peers' payloads.
package notebook

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ratingeater/webpyter-notebook/crdt"
)

// Root container names inside the document.
const (
	RootTitle = "title"
	RootCells = "cells"
)

// Cell record keys.
const (
	KeyID      = "id"
	KeyType    = "type"
	KeyContent = "content"
)

// Cell types. Anything else is coerced to code.
const (
	TypeCode     = "code"
	TypeMarkdown = "markdown"
)

// Default template contents.
const (
	DefaultTitle = "Untitled Notebook"

	defaultMarkdown = "# New Notebook\n\nWelcome to your notebook. This cell is **Markdown** — double-click to edit."
	defaultCode     = "# Write Python code here\n"
)

// Prefixes identifying the default template cells.
const (
	DefaultMarkdownPrefix = "# New Notebook"
	DefaultCodePrefix     = "# Write Python code here"
)

// CellView is a plain snapshot of one cell, in document order.
type CellView struct {
	ID      string
	Type    string
	Content string
}

// Title renders the current title text.
func Title(doc *crdt.Doc) string {
	return doc.Text(RootTitle).String()
}

// TitleText returns the collaborative title container.
func TitleText(doc *crdt.Doc) *crdt.Text {
	return doc.Text(RootTitle)
}

// Cells returns the live cells in document order. Malformed cells appear
// with whatever fields they do carry; run Sanitize first when invariants
// matter.
func Cells(doc *crdt.Doc) []CellView {
	arr := doc.Array(RootCells)
	out := make([]CellView, 0, arr.Len())
	for i := 0; i < arr.Len(); i++ {
		v, ok := arr.Get(i)
		if !ok {
			continue
		}
		m := v.Map()
		if m == nil {
			out = append(out, CellView{Content: v.String()})
			continue
		}
		cv := CellView{
			ID:   m.GetString(KeyID),
			Type: m.GetString(KeyType),
		}
		if t := m.Text(KeyContent); t != nil {
			cv.Content = t.String()
		} else {
			cv.Content = m.GetString(KeyContent)
		}
		out = append(out, cv)
	}
	return out
}

// CellMap returns the cell record with the given id and its index, or
// (nil, -1).
func CellMap(doc *crdt.Doc, id string) (*crdt.Map, int) {
	arr := doc.Array(RootCells)
	for i := 0; i < arr.Len(); i++ {
		v, ok := arr.Get(i)
		if !ok {
			continue
		}
		if m := v.Map(); m != nil && m.GetString(KeyID) == id {
			return m, i
		}
	}
	return nil, -1
}

// Seed initializes the default two-cell notebook: a markdown welcome cell
// followed by a code placeholder.
func Seed(doc *crdt.Doc) {
	doc.Transact(nil, func() {
		doc.Text(RootTitle).Insert(0, DefaultTitle)
		arr := doc.Array(RootCells)
		md := arr.InsertMap(0)
		md.SetString(KeyID, NewCellID())
		md.SetString(KeyType, TypeMarkdown)
		md.SetText(KeyContent, defaultMarkdown)
		code := arr.InsertMap(1)
		code.SetString(KeyID, NewCellID())
		code.SetString(KeyType, TypeCode)
		code.SetText(KeyContent, defaultCode)
	})
}

// NewCellID mints a cell identifier.
func NewCellID() string {
	return uuid.NewString()
}

// Sanitize enforces the document invariants in one transaction: every cell
// is a record with a non-empty unique id, a known type, and collaborative
// text content. Reports whether anything had to change. Idempotent.
func Sanitize(doc *crdt.Doc) bool {
	changed := false
	doc.Transact(nil, func() {
		arr := doc.Array(RootCells)
		seen := make(map[string]struct{}, arr.Len())
		for i := 0; i < arr.Len(); i++ {
			v, ok := arr.Get(i)
			if !ok {
				continue
			}
			m := v.Map()
			if m == nil {
				// A scalar slipped into the cell sequence: rebuild it as a
				// code cell carrying the scalar as its content.
				content := v.String()
				arr.Delete(i, 1)
				nm := arr.InsertMap(i)
				id := NewCellID()
				nm.SetString(KeyID, id)
				nm.SetString(KeyType, TypeCode)
				nm.SetText(KeyContent, content)
				seen[id] = struct{}{}
				changed = true
				continue
			}

			id := m.GetString(KeyID)
			if _, dup := seen[id]; id == "" || dup {
				id = NewCellID()
				m.SetString(KeyID, id)
				changed = true
			}
			seen[id] = struct{}{}

			if typ := m.GetString(KeyType); typ != TypeCode && typ != TypeMarkdown {
				m.SetString(KeyType, TypeCode)
				changed = true
			}

			if m.Text(KeyContent) == nil {
				prior := ""
				if cv, ok := m.Get(KeyContent); ok {
					prior = cv.String()
				}
				m.SetText(KeyContent, prior)
				changed = true
			}
		}
	})
	return changed
}

// IsDefaultTemplate reports whether the document still matches the seeded
// template fingerprint: default title plus the two default cells.
func IsDefaultTemplate(doc *crdt.Doc) bool {
	if Title(doc) != DefaultTitle {
		return false
	}
	cells := Cells(doc)
	if len(cells) != 2 {
		return false
	}
	return cells[0].Type == TypeMarkdown &&
		strings.HasPrefix(cells[0].Content, DefaultMarkdownPrefix) &&
		cells[1].Type == TypeCode &&
		strings.HasPrefix(cells[1].Content, DefaultCodePrefix)
}
