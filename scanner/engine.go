package scanner

import (
	"context"
	"errors"
)

// ErrInvalidPattern is returned when a search is asked to look for the empty pattern.
// A zero-length window has no meaningful match set, so it is rejected instead of
// reported as "everything" or "nothing".
var ErrInvalidPattern = errors.New("invalid pattern: pattern is empty")

// Match is a matching window, expressed as an (offset, length) pair into the searched
// buffer. It never copies buffer bytes; use Window to get the borrowed view.
type Match struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

// Window returns buf[Offset:Offset+Length]. The slice aliases buf and is only
// meaningful while buf is alive and unmodified.
func (m Match) Window(buf []byte) []byte {
	end := m.Offset + m.Length
	return buf[m.Offset:end:end]
}

// Windows returns the borrowed views for every match, in order.
func Windows(buf []byte, matches []Match) [][]byte {
	out := make([][]byte, len(matches))
	for i, m := range matches {
		out[i] = m.Window(buf)
	}
	return out
}

// RuleMatch is a match of a named signature rule.
type RuleMatch struct {
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity,omitempty"`
	Version  int    `json:"version,omitempty"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	RuleSet  string `json:"ruleset_hash,omitempty"`
}

// Engine scans byte payloads against a set of rules.
type Engine interface {
	Scan(ctx context.Context, data []byte) ([]RuleMatch, error)
}

var (
	_ Engine = (*RuleSet)(nil)
	_ Engine = (*HotReloadRuleSet)(nil)
)
