package pattern

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// TimerMatcher decides whether a setTimeout/setInterval call should be
// swallowed. It is built once per scriptlet install from the search and
// delay arguments.
type TimerMatcher struct {
	search     *Matcher
	hasSearch  bool
	delayValid bool
	delay      *int
	delayInv   bool
}

// NewTimerMatcher parses the search and delay arguments. Both accept a
// leading '!' for inversion. An empty search matches every callback.
func NewTimerMatcher(search, delay string) *TimerMatcher {
	t := &TimerMatcher{
		search:     NewSearchMatcher(search),
		hasSearch:  search != "",
		delayValid: delay == "" || isValidDelayNumber(delay),
	}
	value := delay
	if strings.HasPrefix(value, "!") {
		t.delayInv = true
		value = value[1:]
	}
	if f, ok := parseIntPrefix(value); ok && math.Abs(f) <= math.MaxInt32 {
		d := int(f)
		t.delay = &d
	}
	return t
}

// ShouldPrevent evaluates a single scheduling call. callable reports whether
// the callback is a function or a string (anything else is never
// prevented), source is its string conversion and delay is the string
// conversion of the delay argument.
func (t *TimerMatcher) ShouldPrevent(callable bool, source, delay string) bool {
	if !callable || !t.delayValid {
		return false
	}

	callbackMatches := t.search.Match(source)
	if t.delay == nil {
		return callbackMatches
	}

	parsed, ok := parseIntPrefix(delay)
	delayMatches := (ok && parsed == float64(*t.delay)) != t.delayInv
	if !t.hasSearch {
		return delayMatches
	}
	return callbackMatches && delayMatches
}

var (
	decimalNumber = regexp.MustCompile(`^[+-]?(?:\d+\.?\d*|\.\d+)(?:[eE][+-]?\d+)?$`)
	radixNumber   = regexp.MustCompile(`^0(?:[xX][0-9a-fA-F]+|[oO][0-7]+|[bB][01]+)$`)
)

// isValidDelayNumber reports whether unary plus on value (after an optional
// '!') yields a finite number.
func isValidDelayNumber(value string) bool {
	value = strings.TrimPrefix(value, "!")
	value = strings.TrimFunc(value, unicode.IsSpace)
	if value == "" {
		return true
	}
	if radixNumber.MatchString(value) {
		return true
	}
	if !decimalNumber.MatchString(value) {
		return false
	}
	f, err := strconv.ParseFloat(value, 64)
	return err == nil && !math.IsInf(f, 0)
}
