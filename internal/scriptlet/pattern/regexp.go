package pattern

import (
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// MatchTimeout bounds a single regexp evaluation. Filter authors control the
// patterns, page scripts control the input, so neither side can stall the loop.
const MatchTimeout = 250 * time.Millisecond

var regexpLiteralPattern = regexp2.MustCompile(`^\/((?:[^/\\\r\n]|\\.)+)\/([gimsuy]*)$`, regexp2.ECMAScript)

// ParseRegexpLiteral compiles input of the form /source/flags. The second
// return value is false when the input is not shaped like a literal or when
// the source does not compile.
func ParseRegexpLiteral(input string) (*regexp2.Regexp, bool) {
	m, err := regexpLiteralPattern.FindStringMatch(input)
	if err != nil || m == nil {
		return nil, false
	}
	groups := m.Groups()
	if len(groups) < 3 {
		return nil, false
	}
	opts, ok := parseFlags(groups[2].String())
	if !ok {
		return nil, false
	}
	re, err := compile(groups[1].String(), opts)
	if err != nil {
		return nil, false
	}
	return re, true
}

// ParseRegexpFromString compiles input as a literal substring pattern by
// escaping every metacharacter.
func ParseRegexpFromString(input, flags string) (*regexp2.Regexp, bool) {
	opts, ok := parseFlags(flags)
	if !ok {
		return nil, false
	}
	re, err := compile(EscapeRegexp(input), opts)
	if err != nil {
		return nil, false
	}
	return re, true
}

// EscapeRegexp escapes the characters . * + ? ^ $ { } ( ) | [ ] \
func EscapeRegexp(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		switch r {
		case '.', '*', '+', '?', '^', '$', '{', '}', '(', ')', '|', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// TestRegexp reports whether re matches anywhere in s. Evaluation errors,
// including timeouts, count as a miss.
func TestRegexp(re *regexp2.Regexp, s string) bool {
	if re == nil {
		return false
	}
	ok, err := re.MatchString(s)
	return err == nil && ok
}

func compile(source string, opts regexp2.RegexOptions) (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(source, opts|regexp2.ECMAScript)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = MatchTimeout
	return re, nil
}

// parseFlags mirrors the flag validation of the RegExp constructor: every
// flag at most once, and only flags the engine knows.
func parseFlags(flags string) (regexp2.RegexOptions, bool) {
	var opts regexp2.RegexOptions
	seen := make(map[rune]bool, len(flags))
	for _, f := range flags {
		if seen[f] {
			return 0, false
		}
		seen[f] = true
		switch f {
		case 'i':
			opts |= regexp2.IgnoreCase
		case 'm':
			opts |= regexp2.Multiline
		case 's':
			opts |= regexp2.Singleline
		case 'u':
			opts |= regexp2.Unicode
		case 'g', 'y':
			// Stateful flags have no meaning for a one-shot test.
		default:
			return 0, false
		}
	}
	return opts, true
}
