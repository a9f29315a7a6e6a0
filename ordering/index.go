// Package ordering implements hierarchical position keys for workflow
// instances and the documents they produce.
//
// An Index is a path of positive segments such as 1.4.2. Indices are totally
// ordered: segments are compared left to right and an ancestor sorts before
// all of its descendants. A reader at index P may see a document at index D
// only when D is P itself, an ancestor of P, or strictly before P without
// being one of P's descendants. Later siblings and descendants are never
// visible, which keeps replays deterministic.
package ordering

import (
	"fmt"
	"strconv"
	"strings"
)

// keyWidth is the zero-padded width of one segment in Key().
const keyWidth = 6

// Index is a hierarchical position.
type Index []int

// Root returns a top-level index.
func Root(n int) Index {
	return Index{n}
}

// Parse reads the dotted form produced by String.
func Parse(s string) (Index, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ".")
	idx := make(Index, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid ordering segment %q: %w", p, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("invalid ordering segment %q: must be positive", p)
		}
		idx = append(idx, n)
	}
	return idx, nil
}

// MustParse is Parse that panics on malformed input.
func MustParse(s string) Index {
	idx, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return idx
}

// String returns the dotted form, e.g. "1.4.2".
func (i Index) String() string {
	parts := make([]string, len(i))
	for n, seg := range i {
		parts[n] = strconv.Itoa(seg)
	}
	return strings.Join(parts, ".")
}

// Key returns a zero-padded form whose byte-wise ordering matches Compare.
// Stores use it as a sort key.
func (i Index) Key() string {
	parts := make([]string, len(i))
	for n, seg := range i {
		parts[n] = fmt.Sprintf("%0*d", keyWidth, seg)
	}
	return strings.Join(parts, ".")
}

// Depth returns the number of segments.
func (i Index) Depth() int {
	return len(i)
}

// Child returns the n-th child of i.
func (i Index) Child(n int) Index {
	out := make(Index, len(i)+1)
	copy(out, i)
	out[len(i)] = n
	return out
}

// Parent returns the direct parent, or nil for a root index.
func (i Index) Parent() Index {
	if len(i) <= 1 {
		return nil
	}
	out := make(Index, len(i)-1)
	copy(out, i[:len(i)-1])
	return out
}

// Equal reports whether both indices denote the same position.
func (i Index) Equal(other Index) bool {
	return Compare(i, other) == 0
}

// IsAncestorOf reports whether i is a strict prefix of other.
func (i Index) IsAncestorOf(other Index) bool {
	if len(i) >= len(other) {
		return false
	}
	for n := range i {
		if i[n] != other[n] {
			return false
		}
	}
	return true
}

// IsDescendantOf reports whether other is a strict prefix of i.
func (i Index) IsDescendantOf(other Index) bool {
	return other.IsAncestorOf(i)
}

// IsBefore reports whether i sorts strictly before other without being its
// ancestor, i.e. i belongs to a subtree that was declared earlier.
func (i Index) IsBefore(other Index) bool {
	return Compare(i, other) < 0 && !i.IsAncestorOf(other)
}

// Compare orders two indices. It returns -1, 0 or +1.
func Compare(a, b Index) int {
	for n := 0; n < len(a) && n < len(b); n++ {
		switch {
		case a[n] < b[n]:
			return -1
		case a[n] > b[n]:
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// Visible reports whether a reader positioned at reader may observe a
// document positioned at doc.
func Visible(reader, doc Index) bool {
	if len(reader) == 0 || len(doc) == 0 {
		return false
	}
	return doc.Equal(reader) || doc.IsAncestorOf(reader) || doc.IsBefore(reader)
}

// MarshalText encodes the index in dotted form.
func (i Index) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText decodes the dotted form.
func (i *Index) UnmarshalText(text []byte) error {
	idx, err := Parse(string(text))
	if err != nil {
		return err
	}
	*i = idx
	return nil
}
