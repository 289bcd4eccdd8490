package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/MrElectrify/memscan/pattern"
)

// ErrDuplicateRule is returned when two enabled rules share an ID.
var ErrDuplicateRule = errors.New("duplicate rule id")

// Rule is a named signature in the textual pattern notation, e.g.
// "E8 ? ? ? ? 48 8B D8".
type Rule struct {
	ID       string   `json:"id"`
	Pattern  string   `json:"pattern"`
	Severity string   `json:"severity,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Version  int      `json:"version,omitempty"`
	Enabled  bool     `json:"enabled"`
}

type compiledRule struct {
	Rule
	pattern pattern.Pattern
}

// RuleSet is an immutable set of compiled rules; safe for concurrent use.
type RuleSet struct {
	rules      []compiledRule
	scanner    *Scanner
	hash       string
	buildNanos int64
}

// BuildRuleSet compiles the enabled rules. The first rule whose pattern fails to parse,
// or is empty, aborts the build.
func BuildRuleSet(rules []Rule, opts ...Option) (*RuleSet, error) {
	start := time.Now()
	enabled := lo.Filter(rules, func(r Rule, _ int) bool { return r.Enabled })
	seen := make(map[string]struct{}, len(enabled))
	compiled := make([]compiledRule, 0, len(enabled))
	for _, r := range enabled {
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("rule %s: %w", r.ID, ErrDuplicateRule)
		}
		seen[r.ID] = struct{}{}
		p, err := pattern.Parse(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if p.IsEmpty() {
			return nil, fmt.Errorf("rule %s: %w", r.ID, ErrInvalidPattern)
		}
		compiled = append(compiled, compiledRule{Rule: r, pattern: p})
	}
	return &RuleSet{
		rules:      compiled,
		scanner:    NewScanner(opts...),
		hash:       ruleHash(rules)[:16],
		buildNanos: time.Since(start).Nanoseconds(),
	}, nil
}

// Scan runs every rule over data. Matches are ordered by offset, then rule ID.
func (rs *RuleSet) Scan(ctx context.Context, data []byte) ([]RuleMatch, error) {
	results := make([]RuleMatch, 0)
	for _, r := range rs.rules {
		matches, err := rs.scanner.Scan(ctx, data, r.pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		for _, m := range matches {
			results = append(results, RuleMatch{
				RuleID:   r.ID,
				Severity: r.Severity,
				Version:  r.Version,
				Offset:   m.Offset,
				Length:   m.Length,
				RuleSet:  rs.hash,
			})
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Offset != results[j].Offset {
			return results[i].Offset < results[j].Offset
		}
		return results[i].RuleID < results[j].RuleID
	})
	return results, nil
}

// Rules returns the enabled rules in load order.
func (rs *RuleSet) Rules() []Rule {
	return lo.Map(rs.rules, func(r compiledRule, _ int) Rule { return r.Rule })
}

func (rs *RuleSet) Len() int { return len(rs.rules) }

// Hash is a short fingerprint of the rule definitions the set was built from.
func (rs *RuleSet) Hash() string { return rs.hash }

func (rs *RuleSet) BuildDuration() time.Duration { return time.Duration(rs.buildNanos) }

// ruleHash fingerprints the enabled rules deterministically (sorted by ID).
func ruleHash(rules []Rule) string {
	sorted := lo.Filter(rules, func(r Rule, _ int) bool { return r.Enabled })
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	h := sha256.New()
	for _, r := range sorted {
		h.Write([]byte(r.ID))
		h.Write([]byte{0})
		h.Write([]byte(r.Pattern))
		h.Write([]byte{0})
		h.Write([]byte(r.Severity))
		h.Write([]byte{0})
		h.Write([]byte(fmt.Sprint(r.Version)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
