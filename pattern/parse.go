package pattern

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedPattern is the category of every pattern text error.
var ErrMalformedPattern = errors.New("malformed pattern")

// ParseError reports the first token of a pattern text that is neither a wildcard nor
// a hex byte. Offset is a byte offset into the original text, suitable for pointing a
// caret at the bad input.
type ParseError struct {
	Offset int
	Token  string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed pattern: invalid token %q at offset %d", e.Token, e.Offset)
}

func (e *ParseError) Unwrap() []error { return []error{ErrMalformedPattern, e.Err} }

// Parse reads the space separated signature notation used by disassemblers:
// "?" or "??" is a wildcard, anything else must be a hex byte (00-FF, any case).
//
// The offset of a bad token is the position of its first occurrence as a substring of
// text, so a token that also appears earlier inside another token reports the earlier
// position.
func Parse(text string) (Pattern, error) {
	var elems []Element
	for _, tok := range strings.Fields(text) {
		if tok == "?" || tok == "??" {
			elems = append(elems, Wildcard())
			continue
		}
		v, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			return Pattern{}, &ParseError{Offset: strings.Index(text, tok), Token: tok, Err: err}
		}
		elems = append(elems, Literal(byte(v)))
	}
	return Pattern{elems: elems}, nil
}

// MustParse is like Parse but panics on error. Intended for static signatures.
func MustParse(text string) Pattern {
	p, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return p
}

// Caret renders text and a caret line under the failing offset, for diagnostics.
func (e *ParseError) Caret(text string) string {
	if e.Offset < 0 || e.Offset > len(text) {
		return text
	}
	return text + "\n" + strings.Repeat(" ", e.Offset) + "^"
}
