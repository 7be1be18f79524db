package sync

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	excludePrefix = "-:"
	includePrefix = "+:"
)

type filterRule struct {
	pattern string
	include bool
}

// Filter decides path inclusion from an ordered pattern list. Each
// pattern that matches sets the current decision; the last matching
// pattern wins. Unprefixed and "+:" patterns include, "-:" patterns
// exclude. With a non-empty list, a path matching nothing is excluded;
// with no list at all every path is included.
//
// Patterns with no slash match against the base name as well as the full
// relative path, so "*.log" behaves the way shell users expect.
type Filter struct {
	rules []filterRule
}

// NewFilter compiles an ordered pattern list. Invalid glob patterns are
// rejected up front.
func NewFilter(patterns []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range patterns {
		rule := filterRule{include: true}
		switch {
		case strings.HasPrefix(p, excludePrefix):
			rule.include = false
			rule.pattern = strings.TrimPrefix(p, excludePrefix)
		case strings.HasPrefix(p, includePrefix):
			rule.pattern = strings.TrimPrefix(p, includePrefix)
		default:
			rule.pattern = p
		}
		if rule.pattern == "" {
			return nil, fmt.Errorf("empty filter pattern: %q", p)
		}
		if !doublestar.ValidatePattern(rule.pattern) {
			return nil, fmt.Errorf("invalid filter pattern: %q", p)
		}
		f.rules = append(f.rules, rule)
	}
	return f, nil
}

// Include decides whether relPath is accepted. relPath must be
// slash-separated.
func (f *Filter) Include(relPath string) bool {
	if f == nil || len(f.rules) == 0 {
		return true
	}

	include := false
	matched := false
	for _, rule := range f.rules {
		if f.matches(rule.pattern, relPath) {
			include = rule.include
			matched = true
		}
	}
	if !matched {
		return false
	}
	return include
}

func (f *Filter) matches(pattern, relPath string) bool {
	if ok, err := doublestar.Match(pattern, relPath); err == nil && ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		if ok, err := doublestar.Match(pattern, path.Base(relPath)); err == nil && ok {
			return true
		}
	}
	return false
}
