package pattern

import (
	"fmt"
	"strings"
)

// RequestProp names an attribute of an outgoing request that a filter can
// constrain.
type RequestProp string

const (
	PropURL            RequestProp = "url"
	PropMethod         RequestProp = "method"
	PropCredentials    RequestProp = "credentials"
	PropCache          RequestProp = "cache"
	PropRedirect       RequestProp = "redirect"
	PropReferrer       RequestProp = "referrer"
	PropReferrerPolicy RequestProp = "referrerPolicy"
	PropIntegrity      RequestProp = "integrity"
	PropMode           RequestProp = "mode"
)

// RequestProps is the fixed set of attributes a RequestFilter may hold.
var RequestProps = []RequestProp{
	PropURL,
	PropMethod,
	PropCredentials,
	PropCache,
	PropRedirect,
	PropReferrer,
	PropReferrerPolicy,
	PropIntegrity,
	PropMode,
}

func isRequestProp(key string) bool {
	for _, p := range RequestProps {
		if string(p) == key {
			return true
		}
	}
	return false
}

// RequestFilter maps request attributes to the matcher each must satisfy.
// An empty filter matches every request.
type RequestFilter map[RequestProp]*Matcher

// ParseError reports a malformed propsToMatch segment.
type ParseError struct {
	Segment string
	Key     string
}

func (e *ParseError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("invalid segment key: %q", e.Key)
	}
	return fmt.Sprintf("invalid segment: %q", e.Segment)
}

// ParsePropsToMatch parses the space separated propsToMatch argument shared by
// the network scriptlets.
//
// A segment without a colon constrains the url, either as a /literal/ or as a
// plain substring. A key:value segment constrains the named attribute; plain
// values there compare exactly (hostname-aware for url). "" and "*" yield an
// empty filter.
func ParsePropsToMatch(propsToMatch string) (RequestFilter, error) {
	filter := RequestFilter{}
	if propsToMatch == "" || propsToMatch == "*" {
		return filter, nil
	}

	if re, ok := ParseRegexpLiteral(propsToMatch); ok {
		filter[PropURL] = Regexp(re)
		return filter, nil
	}

	for _, segment := range strings.Split(propsToMatch, " ") {
		if segment == "" {
			continue
		}
		if !strings.Contains(segment, ":") {
			filter[PropURL] = ParseSubstringOrRegexp(segment)
			continue
		}

		key, value, _ := strings.Cut(segment, ":")
		if key == "" || value == "" {
			return nil, &ParseError{Segment: segment}
		}
		if !isRequestProp(key) {
			return nil, &ParseError{Segment: segment, Key: key}
		}
		if re, ok := ParseRegexpLiteral(value); ok {
			filter[RequestProp(key)] = Regexp(re)
		} else {
			filter[RequestProp(key)] = Literal(value)
		}
	}
	return filter, nil
}
