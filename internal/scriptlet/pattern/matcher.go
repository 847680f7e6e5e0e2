package pattern

import (
	"strings"

	"github.com/dlclark/regexp2"
)

// Matcher is either a literal string compared for equality or a compiled
// regular expression tested anywhere in the input. Inverted negates the result.
type Matcher struct {
	re       *regexp2.Regexp
	literal  string
	Inverted bool
}

// Literal returns a Matcher that compares for exact equality.
func Literal(s string) *Matcher {
	return &Matcher{literal: s}
}

// Regexp wraps an already compiled expression.
func Regexp(re *regexp2.Regexp) *Matcher {
	return &Matcher{re: re}
}

// NewSearchMatcher builds the matcher used for search-like arguments:
// a leading '!' inverts, then a /literal/ is tried before falling back to an
// escaped substring. The returned matcher is never a Literal.
func NewSearchMatcher(search string) *Matcher {
	inverted := false
	if strings.HasPrefix(search, "!") {
		inverted = true
		search = search[1:]
	}
	m := ParseSubstringOrRegexp(search)
	m.Inverted = inverted
	return m
}

// ParseSubstringOrRegexp compiles s as a /literal/ when possible, otherwise as
// an escaped substring.
func ParseSubstringOrRegexp(s string) *Matcher {
	if re, ok := ParseRegexpLiteral(s); ok {
		return Regexp(re)
	}
	re, _ := ParseRegexpFromString(s, "")
	return Regexp(re)
}

// IsRegexp reports whether the matcher holds a compiled expression.
func (m *Matcher) IsRegexp() bool {
	return m.re != nil
}

// Regexp exposes the compiled expression, nil for literals.
func (m *Matcher) Regexp() *regexp2.Regexp {
	return m.re
}

// LiteralValue returns the literal string for literal matchers.
func (m *Matcher) LiteralValue() string {
	return m.literal
}

// Test evaluates the matcher without applying Inverted.
func (m *Matcher) Test(s string) bool {
	if m.re != nil {
		return TestRegexp(m.re, s)
	}
	return m.literal == s
}

// Match evaluates the matcher and applies Inverted.
func (m *Matcher) Match(s string) bool {
	return m.Test(s) != m.Inverted
}

func (m *Matcher) String() string {
	var prefix string
	if m.Inverted {
		prefix = "!"
	}
	if m.re != nil {
		return prefix + "/" + m.re.String() + "/"
	}
	return prefix + m.literal
}
