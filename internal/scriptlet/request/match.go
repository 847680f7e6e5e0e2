// Package request classifies outgoing fetch and XMLHttpRequest calls against
// the filters parsed from scriptlet arguments.
package request

import (
	"net/url"
	"strings"

	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
)

// Attributes is the normalized view of a request shared by both calling
// conventions. A missing attribute is absent from the map, so a filter on it
// fails.
type Attributes map[pattern.RequestProp]string

// Match requires every attribute named by filter to be present and to satisfy
// its matcher. URL literals are hostname-aware.
func Match(filter pattern.RequestFilter, attrs Attributes) bool {
	for prop, m := range filter {
		value, ok := attrs[prop]
		if !ok {
			return false
		}
		if prop == pattern.PropURL {
			if !matchURL(m, value) {
				return false
			}
			continue
		}
		if !m.Match(value) {
			return false
		}
	}
	return true
}

// MatchXHRArgs matches the positional method and url arguments of
// XMLHttpRequest.prototype.open. The remaining open arguments never take part.
func MatchXHRArgs(filter pattern.RequestFilter, method, rawURL string) bool {
	return Match(filter, Attributes{
		pattern.PropMethod: method,
		pattern.PropURL:    rawURL,
	})
}

// matchURL accepts a literal that equals the full URL or just its hostname,
// so a bare domain does not need to be anchored to a path.
func matchURL(m *pattern.Matcher, rawURL string) bool {
	if m.IsRegexp() {
		return m.Match(rawURL)
	}
	hit := m.LiteralValue() == rawURL
	if !hit {
		if host, ok := Hostname(rawURL); ok {
			hit = m.LiteralValue() == host
		}
	}
	return hit != m.Inverted
}

// Hostname extracts the host of rawURL. Protocol-relative and bare-host input
// gets a default scheme first. Unparsable input fails closed.
func Hostname(rawURL string) (string, bool) {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return "", false
	}
	switch {
	case strings.HasPrefix(s, "//"):
		s = "https:" + s
	case !strings.Contains(s, "://"):
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", false
	}
	host := u.Hostname()
	if host == "" {
		return "", false
	}
	return host, true
}
