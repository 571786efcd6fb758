// Package heuristic implements the deterministic keyword scorer used as the
// fallback for every inference-backed stage. It is pure computation: no I/O,
// no error paths, stable output for a given input.
package heuristic

import (
	"strings"

	"github.com/cyberbrief/triage-cli/internal/model"
)

// OffTopicScore is assigned by the pre-filter to items with no recognizable
// cybersecurity signal so they sort below every on-topic item.
const OffTopicScore = 5

// NeutralScore is assigned when no severity tier matches.
const NeutralScore = 50

// Keyword tiers, checked in descending severity order. Ordering is policy:
// the sets overlap (a breach writeup usually also matches "report"), and the
// first matching tier wins.
var (
	criticalKeywords = []string{
		"zero-day", "0-day", "critical vulnerability", "actively exploited",
		"active exploitation", "ransomware attack", "supply chain attack",
		"mass exploitation", "rce", "remote code execution",
	}
	highKeywords = []string{
		"vulnerability", "exploit", "malware", "ransomware", "attack",
		"breach", "hack", "compromised", "infected", "backdoor", "cve-",
		"data leak", "phishing",
	}
	mediumKeywords = []string{
		"patch", "security update", "advisory", "warning", "threat",
		"security flaw", "mitigation",
	}
	lowKeywords = []string{
		"report", "study", "analysis", "research", "opinion", "announcement",
		"survey",
	}
)

// requiredKeywords gates the pre-filter: an item must contain at least one
// to be considered on-topic at all.
var requiredKeywords = []string{
	"vulnerability", "exploit", "breach", "hack", "malware", "ransomware",
	"phishing", "attack", "threat", "cybersecurity", "cyber security",
	"zero-day", "0-day", "backdoor", "trojan", "patch", "advisory",
	"cve-", "data leak", "apt", "threat actor", "credential", "encryption",
	"firewall", "incident", "security flaw",
}

// categoryByKeyword tags the threat category from the triggering keyword.
var categoryByKeyword = map[string]string{
	"ransomware":            "ransomware",
	"ransomware attack":     "ransomware",
	"malware":               "malware",
	"trojan":                "malware",
	"backdoor":              "malware",
	"breach":                "breach",
	"data leak":             "breach",
	"compromised":           "breach",
	"hack":                  "breach",
	"vulnerability":         "vulnerability",
	"critical vulnerability": "vulnerability",
	"zero-day":              "vulnerability",
	"0-day":                 "vulnerability",
	"cve-":                  "vulnerability",
	"rce":                   "vulnerability",
	"remote code execution": "vulnerability",
	"security flaw":         "vulnerability",
	"exploit":               "vulnerability",
	"actively exploited":    "vulnerability",
	"active exploitation":   "vulnerability",
	"mass exploitation":     "vulnerability",
	"phishing":              "phishing",
	"attack":                "attack",
	"supply chain attack":   "attack",
	"patch":                 "advisory",
	"security update":       "advisory",
	"advisory":              "advisory",
	"warning":               "advisory",
	"mitigation":            "advisory",
}

// Result is the deterministic estimate for one article.
type Result struct {
	Score    int
	Category string
	Urgency  model.Severity
	Matched  []string
}

type tier struct {
	keywords []string
	base     int
	cap      int
	urgency  model.Severity
}

var tiers = []tier{
	{criticalKeywords, 90, 95, model.SeverityCritical},
	{highKeywords, 75, 80, model.SeverityHigh},
	{mediumKeywords, 55, 60, model.SeverityMedium},
	{lowKeywords, 30, 40, model.SeverityLow},
}

// Score estimates importance from title and body text alone. Either input may
// be empty. Within a tier, extra keyword matches nudge the score up to the
// tier cap so denser signals outrank single mentions.
func Score(title, body string) Result {
	text := strings.ToLower(title + " " + body)

	for _, tr := range tiers {
		matched := matchAll(text, tr.keywords)
		if len(matched) == 0 {
			continue
		}
		score := tr.base + (len(matched)-1)*2
		if score > tr.cap {
			score = tr.cap
		}
		return Result{
			Score:    score,
			Category: categoryFor(matched),
			Urgency:  tr.urgency,
			Matched:  matched,
		}
	}

	return Result{Score: NeutralScore, Category: "other", Urgency: model.SeverityMedium}
}

// PrefilterScore is the pre-filter variant: items with no cybersecurity
// keyword at all get OffTopicScore instead of a tier score.
func PrefilterScore(title, body string) Result {
	if !IsSecurityRelevant(title, body) {
		return Result{Score: OffTopicScore, Category: "off-topic", Urgency: model.SeverityLow}
	}
	return Score(title, body)
}

// IsSecurityRelevant reports whether the text contains at least one
// cybersecurity-domain keyword.
func IsSecurityRelevant(title, body string) bool {
	text := strings.ToLower(title + " " + body)
	for _, kw := range requiredKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// Unambiguous reports whether a heuristic score is far enough from the
// selection boundary that an inference call would not change the outcome.
// Used by the heuristic-gated coarse scoring mode.
func Unambiguous(score int) bool {
	return score >= 85 || score <= 35
}

func matchAll(text string, keywords []string) []string {
	var matched []string
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			matched = append(matched, kw)
		}
	}
	return matched
}

func categoryFor(matched []string) string {
	for _, kw := range matched {
		if cat, ok := categoryByKeyword[kw]; ok {
			return cat
		}
	}
	return "other"
}
