package cache

import (
	"fmt"
	"regexp"
)

// Denylist decides whether a model's responses must never be cached.
// Rules are either exact model names or regular expressions. A nil
// *Denylist matches nothing.
type Denylist struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewDenylist compiles the rule sets. Invalid patterns fail here so
// misconfiguration surfaces at startup rather than per request.
func NewDenylist(exact, patterns []string) (*Denylist, error) {
	d := &Denylist{exact: make(map[string]struct{}, len(exact))}

	for _, e := range exact {
		if e != "" {
			d.exact[e] = struct{}{}
		}
	}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache denylist: pattern %q: %w", p, err)
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

// Matches reports whether model is excluded from caching.
func (d *Denylist) Matches(model string) bool {
	if d == nil {
		return false
	}
	if _, ok := d.exact[model]; ok {
		return true
	}
	for _, re := range d.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the number of configured rules.
func (d *Denylist) Len() int {
	if d == nil {
		return 0
	}
	return len(d.exact) + len(d.patterns)
}
