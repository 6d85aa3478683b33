// Package safety matches text against banned terms and patterns.
package safety

import (
	"fmt"
	"regexp"
)

// DefaultTerms are always banned. They are matched as literals.
var DefaultTerms = []string{
	"色情",
	"赌博",
	"毒品",
	"暴恐",
	"诈骗",
}

// Matcher holds compiled patterns. It is immutable and safe for concurrent
// use.
type Matcher struct {
	patterns []*regexp.Regexp
}

// Compile quotes every literal and compiles every pattern as written. An
// invalid pattern is an error naming the pattern.
func Compile(literals, patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, lit := range literals {
		if lit == "" {
			continue
		}
		m.patterns = append(m.patterns, regexp.MustCompile(regexp.QuoteMeta(lit)))
	}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid safety pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Match returns the first pattern found in text.
func (m *Matcher) Match(text string) (string, bool) {
	if m == nil || text == "" {
		return "", false
	}
	for _, re := range m.patterns {
		if re.MatchString(text) {
			return re.String(), true
		}
	}
	return "", false
}

// Len returns the number of compiled patterns.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.patterns)
}
