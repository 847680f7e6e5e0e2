package results

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
)

// ScriptletSummary counts what one scriptlet did across a run.
type ScriptletSummary struct {
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Counts      map[schemas.EventKind]int `json:"counts"`
	Total       int                       `json:"total"`
}

// HostSummary counts the interceptions aimed at one host.
type HostSummary struct {
	Host       string `json:"host"`
	ThirdParty bool   `json:"third_party"`
	Total      int    `json:"total"`
}

// Report is the summary of one run.
type Report struct {
	RunID       string             `json:"run_id"`
	GeneratedAt time.Time          `json:"generated_at"`
	Targets     []string           `json:"targets"`
	Categories  map[Category]int   `json:"categories"`
	Scriptlets  []ScriptletSummary `json:"scriptlets"`
	Hosts       []HostSummary      `json:"hosts,omitempty"`
	Rejected    []NormalizedEvent  `json:"rejected,omitempty"`
	Events      []NormalizedEvent  `json:"events"`
	Summary     string             `json:"summary"`
}

// GenerateReport compiles normalized events into a Report. Scriptlets are
// ordered by activity, then name; hosts by count, then name.
func GenerateReport(runID string, events []NormalizedEvent) *Report {
	report := &Report{
		RunID:       runID,
		GeneratedAt: time.Now().UTC(),
		Categories:  map[Category]int{},
		Events:      events,
	}

	byScriptlet := map[string]*ScriptletSummary{}
	byHost := map[string]*HostSummary{}
	targets := map[string]struct{}{}
	interceptions := 0

	for _, e := range events {
		report.Categories[e.Category]++
		if e.PageURL != "" {
			targets[e.PageURL] = struct{}{}
		}

		s := byScriptlet[e.Scriptlet]
		if s == nil {
			s = &ScriptletSummary{Name: e.Scriptlet, Description: e.Description, Counts: map[schemas.EventKind]int{}}
			byScriptlet[e.Scriptlet] = s
		}
		s.Counts[e.Kind]++
		s.Total++

		if e.Kind == schemas.EventRejected {
			report.Rejected = append(report.Rejected, e)
		}
		if e.Category == CategoryInstall {
			continue
		}
		interceptions++
		if e.TargetHost != "" {
			h := byHost[e.TargetHost]
			if h == nil {
				h = &HostSummary{Host: e.TargetHost}
				byHost[e.TargetHost] = h
			}
			h.ThirdParty = h.ThirdParty || e.ThirdParty
			h.Total++
		}
	}

	for _, s := range byScriptlet {
		report.Scriptlets = append(report.Scriptlets, *s)
	}
	sort.Slice(report.Scriptlets, func(i, j int) bool {
		a, b := report.Scriptlets[i], report.Scriptlets[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		return a.Name < b.Name
	})

	for _, h := range byHost {
		report.Hosts = append(report.Hosts, *h)
	}
	sort.Slice(report.Hosts, func(i, j int) bool {
		a, b := report.Hosts[i], report.Hosts[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		return a.Host < b.Host
	})

	for t := range targets {
		report.Targets = append(report.Targets, t)
	}
	sort.Strings(report.Targets)

	report.Summary = fmt.Sprintf("%d interceptions by %d scriptlets across %d pages; %d rejected installs.",
		interceptions, len(report.Scriptlets), len(report.Targets), len(report.Rejected))
	return report
}

// ToJSON renders the report as indented JSON.
func (r *Report) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
