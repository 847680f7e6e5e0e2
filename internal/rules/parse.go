// Package rules turns scriptlet filter rules into per-hostname scriptlet
// calls. Both the AdGuard form
//
//	example.org,example.net#%#//scriptlet('set-constant', 'ads', 'false')
//
// and the uBlock Origin form
//
//	example.org##+js(set-constant, ads, false)
//
// are accepted, along with their exception variants (#@%# and #@#+js).
package rules

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
)

// Syntax identifies the filter-list dialect a rule was written in.
type Syntax string

const (
	SyntaxAdGuard Syntax = "adguard"
	SyntaxUBlock  Syntax = "ublock"
)

var (
	// ErrUnsupportedSyntax is returned for lines that are not scriptlet rules.
	ErrUnsupportedSyntax = errors.New("unsupported syntax")
	// ErrEmptyBody is returned for a rule with nothing between the parentheses.
	ErrEmptyBody = errors.New("scriptlet body is empty")
	// ErrNotQuoted is returned for an AdGuard argument that is not a quoted string.
	ErrNotQuoted = errors.New("not a quoted string")

	reAdGuard = regexp.MustCompile(`^(.*?)#(@?)%#//scriptlet\((.*)\)\s*$`)
	reUBlock  = regexp.MustCompile(`^(.*?)#(@?)#\+js\((.*)\)\s*$`)
)

// Rule is one parsed scriptlet rule.
type Rule struct {
	// Hostnames the rule applies to. Empty means every page.
	Hostnames []string
	// Exception rules disable a matching call instead of adding one. An
	// exception with an empty call name disables every scriptlet.
	Exception bool
	Call      schemas.ScriptletCall
	Syntax    Syntax
	Raw       string
}

// IsComment reports whether line carries no rule at all.
func IsComment(line string) bool {
	line = strings.TrimSpace(line)
	return line == "" || strings.HasPrefix(line, "!") || strings.HasPrefix(line, "[")
}

// Parse parses a single scriptlet rule.
func Parse(line string) (*Rule, error) {
	line = strings.TrimSpace(line)

	var (
		rule *Rule
		err  error
	)
	if m := reAdGuard.FindStringSubmatch(line); m != nil {
		rule = &Rule{Exception: m[2] == "@", Syntax: SyntaxAdGuard}
		if rule.Call, err = parseAdGuardBody(m[3], rule.Exception); err != nil {
			return nil, fmt.Errorf("parse adguard scriptlet: %w", err)
		}
		err = rule.setHostnames(m[1])
	} else if m := reUBlock.FindStringSubmatch(line); m != nil {
		rule = &Rule{Exception: m[2] == "@", Syntax: SyntaxUBlock}
		if rule.Call, err = parseUBlockBody(m[3], rule.Exception); err != nil {
			return nil, fmt.Errorf("parse ublock origin scriptlet: %w", err)
		}
		err = rule.setHostnames(m[1])
	} else {
		return nil, ErrUnsupportedSyntax
	}
	if err != nil {
		return nil, err
	}
	rule.Raw = line
	return rule, nil
}

// ParseCall parses a bare call in uBO argument syntax, such as
// "set-constant, ads, false", the way it would appear inside +js(...).
func ParseCall(body string) (schemas.ScriptletCall, error) {
	call, err := parseUBlockBody(body, false)
	if err != nil {
		return call, err
	}
	if call.Name == "" {
		return call, ErrEmptyBody
	}
	return call, nil
}

func (r *Rule) setHostnames(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, h := range strings.Split(raw, ",") {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			return errors.New("empty hostnames are not allowed")
		}
		if strings.HasPrefix(h, "~") {
			return fmt.Errorf("negated hostname %q is not supported", h)
		}
		r.Hostnames = append(r.Hostnames, h)
	}
	return nil
}

// patterns expands the rule's hostnames into store patterns: a bare hostname
// also covers its subdomains, IP addresses only themselves.
func (r *Rule) patterns() []string {
	out := make([]string, 0, 2*len(r.Hostnames))
	for _, h := range r.Hostnames {
		out = append(out, h)
		if net.ParseIP(h) == nil && !strings.HasPrefix(h, "*.") {
			out = append(out, "*."+h)
		}
	}
	return out
}

func parseAdGuardBody(body string, exception bool) (schemas.ScriptletCall, error) {
	if strings.TrimSpace(body) == "" {
		if exception {
			return schemas.ScriptletCall{}, nil
		}
		return schemas.ScriptletCall{}, ErrEmptyBody
	}
	parts, err := splitQuoted(body)
	if err != nil {
		return schemas.ScriptletCall{}, err
	}
	return schemas.ScriptletCall{Name: canonicalName(parts[0]), Args: parts[1:]}, nil
}

func parseUBlockBody(body string, exception bool) (schemas.ScriptletCall, error) {
	if strings.TrimSpace(body) == "" {
		if exception {
			return schemas.ScriptletCall{}, nil
		}
		return schemas.ScriptletCall{}, ErrEmptyBody
	}
	parts := splitUnescaped(body)
	for i := range parts {
		// uBO arguments may be quoted or bare.
		if unq, err := unquote(parts[i]); err == nil {
			parts[i] = unq
		}
	}
	return schemas.ScriptletCall{Name: canonicalName(parts[0]), Args: parts[1:]}, nil
}

// canonicalName strips the decorations filter lists put on scriptlet names:
// uBO's ".js" suffix and AdGuard's "ubo-" compatibility prefix.
func canonicalName(name string) string {
	name = strings.TrimSuffix(name, ".js")
	name = strings.TrimPrefix(name, "ubo-")
	return name
}

// splitQuoted splits a comma separated list of quoted strings. Commas and
// escaped quotes inside a string are kept.
func splitQuoted(body string) ([]string, error) {
	var out []string
	rest := strings.TrimSpace(body)
	for {
		if rest == "" || (rest[0] != '\'' && rest[0] != '"') {
			return nil, fmt.Errorf("%w: %q", ErrNotQuoted, rest)
		}
		end := closingQuote(rest)
		if end < 0 {
			return nil, fmt.Errorf("%w: %q", ErrNotQuoted, rest)
		}
		s, err := unquote(rest[:end+1])
		if err != nil {
			return nil, err
		}
		out = append(out, s)

		rest = strings.TrimSpace(rest[end+1:])
		if rest == "" {
			return out, nil
		}
		if rest[0] != ',' {
			return nil, fmt.Errorf("expected ',' before %q", rest)
		}
		rest = strings.TrimSpace(rest[1:])
	}
}

// closingQuote returns the index of the quote that closes s[0], or -1.
func closingQuote(s string) int {
	escaped := false
	for i := 1; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == s[0]:
			return i
		}
	}
	return -1
}

// unquote removes matching outer quotes and the escapes of the quote
// character itself. Other backslashes belong to the argument (regexps).
func unquote(s string) (string, error) {
	if len(s) < 2 || (s[0] != '\'' && s[0] != '"') || s[len(s)-1] != s[0] {
		return "", ErrNotQuoted
	}
	q := string(s[0])
	return strings.ReplaceAll(s[1:len(s)-1], `\`+q, q), nil
}

// splitUnescaped splits a uBO body on commas not preceded by a backslash and
// trims each part.
func splitUnescaped(body string) []string {
	var out []string
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c == '\\' && i+1 < len(body) && body[i+1] == ',' {
			b.WriteByte(',')
			i++
			continue
		}
		if c == ',' {
			out = append(out, strings.TrimSpace(b.String()))
			b.Reset()
			continue
		}
		b.WriteByte(c)
	}
	return append(out, strings.TrimSpace(b.String()))
}
