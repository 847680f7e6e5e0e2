package pattern

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Path segments with special meaning.
const (
	SegmentWildcard = "*"
	SegmentArray    = "[]"
)

// PropPath is a dotted property path split into segments.
type PropPath []string

func (p PropPath) String() string {
	return strings.Join(p, ".")
}

// ParsePropPaths splits text on whitespace and every token on dots.
// Empty input returns nil.
func ParsePropPaths(text string) []PropPath {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	paths := make([]PropPath, 0, len(fields))
	for _, f := range fields {
		paths = append(paths, PropPath(strings.Split(f, ".")))
	}
	return paths
}

var (
	ErrNaN        = errors.New("input is NaN")
	ErrInfinite   = errors.New("input is Infinite")
	ErrOutOfRange = errors.New("input is out of range")
)

// ParseValidInt parses the leading base-10 integer of s the way parseInt does,
// returning an error where parseInt would produce NaN.
func ParseValidInt(s string) (int, error) {
	f, ok := parseIntPrefix(s)
	if !ok {
		return 0, ErrNaN
	}
	if math.IsInf(f, 0) {
		return 0, ErrInfinite
	}
	if math.Abs(f) > math.MaxInt32 {
		return 0, ErrOutOfRange
	}
	return int(f), nil
}

// parseIntPrefix returns the numeric value of the longest signed digit prefix
// after leading whitespace.
func parseIntPrefix(s string) (float64, bool) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	sign := 1.0
	if s != "" && (s[0] == '+' || s[0] == '-') {
		if s[0] == '-' {
			sign = -1
		}
		s = s[1:]
	}
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, false
	}
	return sign * f, true
}
