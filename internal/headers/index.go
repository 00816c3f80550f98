// Package headers provides line-oriented lookups over raw header text and the
// address grammar used to compare sender fields.
package headers

import "strings"

// Index is a read-only view over header text. Lookups are case-insensitive
// substring matches against whole lines, so a token may match anywhere in a
// line and not only in the field name.
type Index struct {
	lines []string // original casing
	lower []string // lines[i] lower-cased
}

// NewIndex splits text into lines. CRLF and LF line endings are both
// accepted. Empty text produces an index where every lookup misses.
func NewIndex(text string) *Index {
	idx := &Index{}
	if text == "" {
		return idx
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		idx.lines = append(idx.lines, line)
		idx.lower = append(idx.lower, strings.ToLower(line))
	}
	return idx
}

// Len returns the number of lines in the index.
func (idx *Index) Len() int {
	return len(idx.lines)
}

// FirstLineContaining returns the first line, in original order and casing,
// whose lower-cased form contains token.
func (idx *Index) FirstLineContaining(token string) (string, bool) {
	return idx.FirstLineContainingAny(token)
}

// FirstLineContainingAny returns the first line in document order that
// contains any of tokens.
func (idx *Index) FirstLineContainingAny(tokens ...string) (string, bool) {
	if len(tokens) == 0 {
		return "", false
	}
	needles := make([]string, len(tokens))
	for i, t := range tokens {
		needles[i] = strings.ToLower(t)
	}
	for i, l := range idx.lower {
		for _, n := range needles {
			if strings.Contains(l, n) {
				return idx.lines[i], true
			}
		}
	}
	return "", false
}
