// Package match parses the small pattern language used to select groups
// and device kinds: "*", "a|b|c" or an exact value.
package match

import "strings"

// Matcher checks if a value matches a pattern.
// Implementations are immutable and safe for concurrent use.
type Matcher interface {
	// Matches returns true if the value matches this pattern
	Matches(value string) bool
	// String returns a human-readable representation
	String() string
}

type matchAny struct{}

func (matchAny) Matches(string) bool { return true }
func (matchAny) String() string      { return "*" }

type matchNone struct{}

func (matchNone) Matches(string) bool { return false }
func (matchNone) String() string      { return "(none)" }

type matchExact string

func (m matchExact) Matches(value string) bool { return string(m) == value }
func (m matchExact) String() string            { return string(m) }

type matchOneOf []string

func (m matchOneOf) Matches(value string) bool {
	for _, v := range m {
		if v == value {
			return true
		}
	}
	return false
}

func (m matchOneOf) String() string {
	if len(m) == 0 {
		return "(none)"
	}
	return strings.Join(m, "|")
}

// Parse creates a Matcher from a pattern.
//   - "*" matches everything
//   - "" matches nothing
//   - "a|b|c" matches any listed value; empty segments are skipped
//   - anything else is an exact match
func Parse(pattern string) Matcher {
	switch {
	case pattern == "*":
		return matchAny{}
	case pattern == "":
		return matchNone{}
	case strings.Contains(pattern, "|"):
		var values []string
		for _, v := range strings.Split(pattern, "|") {
			if v != "" {
				values = append(values, v)
			}
		}
		return matchOneOf(values)
	default:
		return matchExact(pattern)
	}
}

// Any matches every value.
func Any() Matcher { return matchAny{} }
