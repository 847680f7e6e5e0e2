package results

import (
	"net/url"
	"strings"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
)

// Category groups event kinds by the page capability they touched.
type Category string

const (
	CategoryInstall Category = "INSTALL"
	CategoryNetwork Category = "NETWORK"
	CategoryScript  Category = "SCRIPT"
	CategoryData    Category = "DATA"
	CategoryTimer   Category = "TIMER"
	CategoryPopup   Category = "POPUP"
	CategorySpoof   Category = "SPOOF"
	CategoryUnknown Category = "UNKNOWN"
)

// NormalizedEvent is an interception event with the fields reports group by.
type NormalizedEvent struct {
	schemas.InterceptionEvent
	Category    Category `json:"category"`
	TargetHost  string   `json:"target_host,omitempty"`
	ThirdParty  bool     `json:"third_party"`
	Description string   `json:"description,omitempty"`
}

// Normalize classifies a raw event.
func Normalize(event schemas.InterceptionEvent) NormalizedEvent {
	n := NormalizedEvent{
		InterceptionEvent: event,
		Category:          categorize(event),
		TargetHost:        hostOf(event.Target),
	}
	if pageHost := hostOf(event.PageURL); n.TargetHost != "" && pageHost != "" {
		n.ThirdParty = !sameSite(n.TargetHost, pageHost)
	}
	return n
}

func categorize(event schemas.InterceptionEvent) Category {
	switch event.Kind {
	case schemas.EventInjected, schemas.EventRejected:
		return CategoryInstall
	case schemas.EventBlocked:
		return CategoryNetwork
	case schemas.EventAborted:
		return CategoryScript
	case schemas.EventPruned:
		if event.Detail == "fetch" || event.Detail == "xhr" {
			return CategoryNetwork
		}
		return CategoryData
	case schemas.EventPrevented:
		if event.Detail == "window.open" {
			return CategoryPopup
		}
		return CategoryTimer
	case schemas.EventSpoofed:
		return CategorySpoof
	default:
		return CategoryUnknown
	}
}

func hostOf(raw string) string {
	if !strings.Contains(raw, "://") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// sameSite compares the last two labels of each host.
func sameSite(a, b string) bool {
	return lastLabels(a, 2) == lastLabels(b, 2)
}

func lastLabels(host string, n int) string {
	labels := strings.Split(host, ".")
	if len(labels) <= n {
		return host
	}
	return strings.Join(labels[len(labels)-n:], ".")
}
