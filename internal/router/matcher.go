package router

import (
	"strings"
)

// PathMatcher is the interface for path matching.
type PathMatcher interface {
	Match(path string) bool
	Type() MatchKind
	Pattern() string
}

// ExactMatcher matches exact paths.
type ExactMatcher struct {
	path string
}

// NewExactMatcher creates a new exact path matcher.
func NewExactMatcher(path string) *ExactMatcher {
	return &ExactMatcher{path: path}
}

// Match checks if the path matches exactly.
func (m *ExactMatcher) Match(path string) bool {
	return path == m.path
}

// Type returns the matcher type.
func (m *ExactMatcher) Type() MatchKind {
	return MatchExact
}

// Pattern returns the pattern.
func (m *ExactMatcher) Pattern() string {
	return m.path
}

// PrefixMatcher matches path prefixes on segment boundaries: "/api"
// matches "/api" and "/api/orders" but not "/apiary".
type PrefixMatcher struct {
	prefix string
}

// NewPrefixMatcher creates a new prefix path matcher.
func NewPrefixMatcher(prefix string) *PrefixMatcher {
	return &PrefixMatcher{prefix: prefix}
}

// Match checks if the path starts with the prefix.
func (m *PrefixMatcher) Match(path string) bool {
	if !strings.HasPrefix(path, m.prefix) {
		return false
	}
	if len(path) == len(m.prefix) {
		return true
	}
	// Check if the next character is a slash or the prefix ends with a slash
	return strings.HasSuffix(m.prefix, "/") || path[len(m.prefix)] == '/'
}

// Type returns the matcher type.
func (m *PrefixMatcher) Type() MatchKind {
	return MatchPrefix
}

// Pattern returns the pattern.
func (m *PrefixMatcher) Pattern() string {
	return m.prefix
}

// MethodMatcher matches a single HTTP method. The empty method matches
// any.
type MethodMatcher struct {
	method string
}

// NewMethodMatcher creates a new method matcher.
func NewMethodMatcher(method string) *MethodMatcher {
	return &MethodMatcher{method: strings.ToUpper(method)}
}

// Match checks if the method matches.
func (m *MethodMatcher) Match(method string) bool {
	if m.method == "" {
		return true
	}
	return strings.EqualFold(m.method, method)
}

// Any reports whether the matcher accepts every method.
func (m *MethodMatcher) Any() bool {
	return m.method == ""
}

// newPathMatcher creates the path matcher for kind.
func newPathMatcher(kind MatchKind, path string) PathMatcher {
	if kind == MatchExact {
		return NewExactMatcher(path)
	}
	return NewPrefixMatcher(path)
}
