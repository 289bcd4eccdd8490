package pattern

import (
	"fmt"
	"strings"
)

// Element is a single position of a Pattern: either a literal byte or a wildcard
// that matches any byte.
type Element struct {
	b    byte
	wild bool
}

// Literal returns an element matching exactly b.
func Literal(b byte) Element { return Element{b: b} }

// Wildcard returns an element matching any byte.
func Wildcard() Element { return Element{wild: true} }

func (e Element) IsWildcard() bool { return e.wild }

// Byte returns the literal value; zero for wildcards.
func (e Element) Byte() byte { return e.b }

// Matches reports whether b is accepted at this position.
func (e Element) Matches(b byte) bool { return e.wild || e.b == b }

func (e Element) String() string {
	if e.wild {
		return "?"
	}
	return fmt.Sprintf("%02X", e.b)
}

// Pattern is an immutable byte signature with single-byte wildcards.
// The zero value is the empty pattern. A Pattern holds no mutable state and may be
// shared between goroutines and reused across any number of searches.
type Pattern struct {
	elems []Element
}

// FromBytes wraps raw signature bytes. Every 0x00 byte is read as a wildcard, so a
// literal zero cannot be expressed this way; use FromElements for that.
func FromBytes(buf []byte) Pattern {
	elems := make([]Element, len(buf))
	for i, b := range buf {
		if b == 0x00 {
			elems[i] = Wildcard()
		} else {
			elems[i] = Literal(b)
		}
	}
	return Pattern{elems: elems}
}

// FromElements builds a pattern from explicit elements. The slice is copied.
func FromElements(elems ...Element) Pattern {
	cp := make([]Element, len(elems))
	copy(cp, elems)
	return Pattern{elems: cp}
}

func (p Pattern) Len() int { return len(p.elems) }

func (p Pattern) IsEmpty() bool { return len(p.elems) == 0 }

// At returns the i-th element. It panics if i is out of range.
func (p Pattern) At(i int) Element { return p.elems[i] }

// Elements returns a copy of the pattern elements.
func (p Pattern) Elements() []Element {
	cp := make([]Element, len(p.elems))
	copy(cp, p.elems)
	return cp
}

// Bytes returns the raw encoding accepted by FromBytes (wildcard => 0x00).
func (p Pattern) Bytes() []byte {
	out := make([]byte, len(p.elems))
	for i, e := range p.elems {
		out[i] = e.b
	}
	return out
}

// WildcardCount returns the number of wildcard positions.
func (p Pattern) WildcardCount() int {
	n := 0
	for _, e := range p.elems {
		if e.wild {
			n++
		}
	}
	return n
}

// Anchor returns the first literal element and its position. ok is false when every
// element is a wildcard (or the pattern is empty).
func (p Pattern) Anchor() (offset int, b byte, ok bool) {
	for i, e := range p.elems {
		if !e.wild {
			return i, e.b, true
		}
	}
	return 0, 0, false
}

// Matches reports whether window matches the pattern position by position.
// window must be exactly p.Len() bytes long; anything else is a caller bug.
func (p Pattern) Matches(window []byte) bool {
	if len(window) != len(p.elems) {
		panic(fmt.Sprintf("pattern: window length %d does not match pattern length %d", len(window), len(p.elems)))
	}
	for i, e := range p.elems {
		if !e.wild && e.b != window[i] {
			return false
		}
	}
	return true
}

// Equal reports whether both patterns have the same elements.
func (p Pattern) Equal(o Pattern) bool {
	if len(p.elems) != len(o.elems) {
		return false
	}
	for i := range p.elems {
		if p.elems[i] != o.elems[i] {
			return false
		}
	}
	return true
}

// String renders the pattern in the text form accepted by Parse, e.g. "E8 ? ? ? ? 48 8B".
func (p Pattern) String() string {
	parts := make([]string, len(p.elems))
	for i, e := range p.elems {
		parts[i] = e.String()
	}
	return strings.Join(parts, " ")
}
