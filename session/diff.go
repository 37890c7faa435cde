package session

// textEdit is the minimal (delete range, insert substring) edit turning one
// string into another.
type textEdit struct {
	index     int // rune offset of the first change
	deleteLen int // runes removed from the old text
	insert    string
}

// diffText computes the shortest common-prefix/suffix edit between prev and
// next. Applying the edit as a delete+insert on collaborative text keeps
// concurrent peers' insertions on untouched regions intact and minimizes
// sync traffic. Returns false when the strings are equal.
func diffText(prev, next string) (textEdit, bool) {
	if prev == next {
		return textEdit{}, false
	}
	p := []rune(prev)
	n := []rune(next)

	start := 0
	for start < len(p) && start < len(n) && p[start] == n[start] {
		start++
	}
	end := 0
	for end < len(p)-start && end < len(n)-start && p[len(p)-1-end] == n[len(n)-1-end] {
		end++
	}
	return textEdit{
		index:     start,
		deleteLen: len(p) - start - end,
		insert:    string(n[start : len(n)-end]),
	}, true
}
