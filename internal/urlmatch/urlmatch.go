// Package urlmatch evaluates URL patterns for trackability decisions.
//
// Three pattern forms are supported: a trailing '*' makes a prefix match
// ("https://internal.example.com/*"), a leading '*' makes a suffix match
// ("*/health"), anything else is an exact match. Matching is exact, never
// substring — "*/health" matches "https://x/health" but not
// "https://x/healthcheck".
package urlmatch

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

type matchKind int

const (
	matchExact matchKind = iota
	matchPrefix
	matchSuffix
)

type pattern struct {
	kind  matchKind
	value string
}

// cacheSize bounds the memoized match decisions. Request workloads hit
// the same handful of URLs over and over, so a small cache absorbs
// nearly all evaluations.
const cacheSize = 512

// Matcher evaluates a fixed pattern set against URLs.
// Safe for concurrent use.
type Matcher struct {
	patterns []pattern
	cache    *lru.Cache[string, bool]
}

// New compiles the given patterns. A pattern that cannot be compiled is
// dropped rather than reported: configuration mistakes must degrade to
// "no match", never crash trackability evaluation.
func New(patterns []string) *Matcher {
	m := &Matcher{}
	for _, raw := range patterns {
		p, ok := compile(raw)
		if !ok {
			continue
		}
		m.patterns = append(m.patterns, p)
	}
	// lru.New only fails for a non-positive size.
	m.cache, _ = lru.New[string, bool](cacheSize)
	return m
}

func compile(raw string) (pattern, bool) {
	if raw == "" {
		return pattern{}, false
	}
	if strings.HasSuffix(raw, "*") {
		value := strings.TrimSuffix(raw, "*")
		// "*foo*" and bare "*" have no defined meaning; treat as no match.
		if value == "" || strings.Contains(value, "*") {
			return pattern{}, false
		}
		return pattern{kind: matchPrefix, value: value}, true
	}
	if strings.HasPrefix(raw, "*") {
		value := strings.TrimPrefix(raw, "*")
		if value == "" || strings.Contains(value, "*") {
			return pattern{}, false
		}
		return pattern{kind: matchSuffix, value: value}, true
	}
	if strings.Contains(raw, "*") {
		return pattern{}, false
	}
	return pattern{kind: matchExact, value: raw}, true
}

// Match reports whether url matches any configured pattern.
func (m *Matcher) Match(url string) bool {
	if len(m.patterns) == 0 {
		return false
	}
	if hit, ok := m.cache.Get(url); ok {
		return hit
	}
	matched := m.eval(url)
	m.cache.Add(url, matched)
	return matched
}

// Empty reports whether the matcher has no usable patterns.
func (m *Matcher) Empty() bool {
	return len(m.patterns) == 0
}

func (m *Matcher) eval(url string) bool {
	for _, p := range m.patterns {
		switch p.kind {
		case matchExact:
			if url == p.value {
				return true
			}
		case matchPrefix:
			if strings.HasPrefix(url, p.value) {
				return true
			}
		case matchSuffix:
			if strings.HasSuffix(url, p.value) {
				return true
			}
		}
	}
	return false
}
