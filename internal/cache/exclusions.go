package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList answers whether a model is barred from response caching.
// Rules come in two forms: exact model names (hash lookup) and regular
// expressions for families of models where cached answers would be wrong,
// such as models with server-side tool execution.
//
// A nil *ExclusionList matches nothing, so callers never need a guard.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList builds the list from exact names and regexp sources.
// A pattern that does not compile is a configuration error and is reported
// immediately rather than being skipped at match time.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			el.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

// Matches reports whether model is excluded from caching. Exact names are
// consulted first, then the patterns in the order they were configured.
func (el *ExclusionList) Matches(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len reports the number of configured rules, exact and pattern combined.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
