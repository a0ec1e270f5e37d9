// Package pattern implements the segment glob language used to match
// event topics and fact keys.
//
// A pattern is split on a separator ("." for topics, ":" for fact keys).
// "*" matches exactly one segment, a trailing "**" matches all remaining
// segments, and the bare pattern "*" matches anything. Matching is
// case-sensitive and purely lexical.
package pattern

import (
	"strings"
	"sync"

	"github.com/roach88/reflex/internal/errs"
)

// TopicSep separates event topic segments.
const TopicSep = "."

// KeySep separates fact key segments.
const KeySep = ":"

// Matcher is a compiled pattern. Matchers are immutable and safe for
// concurrent use.
type Matcher struct {
	pattern  string
	sep      string
	segments []string
	matchAll bool // bare "*"
	tailGlob bool // trailing "**"
}

// Pattern returns the source pattern.
func (m *Matcher) Pattern() string { return m.pattern }

// IsLiteral reports whether the pattern contains no wildcards and can
// only match itself.
func (m *Matcher) IsLiteral() bool {
	if m.matchAll || m.tailGlob {
		return false
	}
	for _, seg := range m.segments {
		if seg == "*" {
			return false
		}
	}
	return true
}

// Overlaps reports whether some string could match both patterns. Used
// when both sides carry wildcards, where Matches alone cannot decide.
func (m *Matcher) Overlaps(o *Matcher) bool {
	if m.sep != o.sep {
		return false
	}
	if m.matchAll || o.matchAll {
		return true
	}
	a, b := m.segments, o.segments
	if m.tailGlob {
		a = a[:len(a)-1]
	}
	if o.tailGlob {
		b = b[:len(b)-1]
	}
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] && a[i] != "*" && b[i] != "*" {
			return false
		}
	}
	switch {
	case len(a) == len(b):
		return true
	case len(a) > len(b):
		return o.tailGlob
	default:
		return m.tailGlob
	}
}

// Matches reports whether s matches the pattern.
func (m *Matcher) Matches(s string) bool {
	if m.matchAll {
		return true
	}
	parts := strings.Split(s, m.sep)
	if m.tailGlob {
		fixed := m.segments[:len(m.segments)-1]
		if len(parts) < len(fixed) {
			return false
		}
		return segmentsMatch(fixed, parts[:len(fixed)])
	}
	if len(parts) != len(m.segments) {
		return false
	}
	return segmentsMatch(m.segments, parts)
}

func segmentsMatch(pattern, parts []string) bool {
	for i, seg := range pattern {
		if seg == "*" {
			continue
		}
		if seg != parts[i] {
			return false
		}
	}
	return true
}

func compile(p, sep string) (*Matcher, error) {
	if p == "" {
		return nil, errs.Validationf("empty pattern")
	}
	m := &Matcher{pattern: p, sep: sep}
	if p == "*" {
		m.matchAll = true
		return m, nil
	}
	m.segments = strings.Split(p, sep)
	for i, seg := range m.segments {
		if seg == "" {
			return nil, errs.Validationf("pattern %q has an empty segment", p)
		}
		if seg == "**" && i != len(m.segments)-1 {
			return nil, errs.Validationf("pattern %q uses ** before the final segment", p)
		}
		if strings.Contains(seg, "*") && seg != "*" && seg != "**" {
			return nil, errs.Validationf("pattern %q mixes wildcard and literal text in segment %q", p, seg)
		}
	}
	if m.segments[len(m.segments)-1] == "**" {
		m.tailGlob = true
	}
	return m, nil
}

// cache holds compiled matchers keyed by separator+pattern. Patterns come
// from registered rules, a small and stable population, so entries are
// never evicted.
var cache sync.Map

// Compile returns the compiled matcher for p with the given separator,
// reusing a cached matcher when the same pattern was compiled before.
func Compile(p, sep string) (*Matcher, error) {
	key := sep + "\x00" + p
	if cached, ok := cache.Load(key); ok {
		return cached.(*Matcher), nil
	}
	m, err := compile(p, sep)
	if err != nil {
		return nil, err
	}
	actual, _ := cache.LoadOrStore(key, m)
	return actual.(*Matcher), nil
}

// CompileTopic compiles p as an event topic pattern ("." separated).
func CompileTopic(p string) (*Matcher, error) {
	return Compile(p, TopicSep)
}

// CompileKey compiles p as a fact key pattern (":" separated).
func CompileKey(p string) (*Matcher, error) {
	return Compile(p, KeySep)
}

// MatchTopic is a convenience for one-off topic matches.
func MatchTopic(p, topic string) (bool, error) {
	m, err := CompileTopic(p)
	if err != nil {
		return false, err
	}
	return m.Matches(topic), nil
}

// MatchKey is a convenience for one-off fact key matches.
func MatchKey(p, key string) (bool, error) {
	m, err := CompileKey(p)
	if err != nil {
		return false, err
	}
	return m.Matches(key), nil
}

// HasWildcards reports whether p uses any wildcard syntax.
func HasWildcards(p string) bool {
	return strings.Contains(p, "*")
}
