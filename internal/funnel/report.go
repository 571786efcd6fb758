package funnel

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// RunReport is the aggregate outcome of one funnel execution.
type RunReport struct {
	RunID     string        `json:"run_id"`
	Preset    string        `json:"preset"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`

	Gathered     int `json:"gathered"`
	Filtered     int `json:"filtered"`
	CoarseScored int `json:"coarse_scored"`
	Selected     int `json:"selected"`
	Enriched     int `json:"enriched"`
	Persisted    int `json:"persisted"`

	CoarseViaFallback int `json:"coarse_via_fallback"`
	EnrichViaFallback int `json:"enrich_via_fallback"`

	// Patterns counts selected items per threat category.
	Patterns map[string]int `json:"patterns,omitempty"`
	// Synthesis is a human-readable summary of the dominant categories.
	Synthesis string `json:"synthesis,omitempty"`
}

// Result is what a funnel run returns to its caller. Fatal conditions are
// a structured failure, not an error: the report still carries whatever
// partial counts were accumulated.
type Result struct {
	Success bool       `json:"success"`
	Reason  string     `json:"reason,omitempty"`
	Report  *RunReport `json:"report"`
}

var titleCaser = cases.Title(language.English)

// synthesize renders the category counts as a readable summary line,
// dominant categories first.
func synthesize(patterns map[string]int) string {
	if len(patterns) == 0 {
		return ""
	}

	type entry struct {
		category string
		count    int
	}
	entries := make([]entry, 0, len(patterns))
	for cat, n := range patterns {
		entries = append(entries, entry{cat, n})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].category < entries[j].category
	})

	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s (%d)", titleCaser.String(e.category), e.count))
	}
	return strings.Join(parts, ", ")
}
