package funnel

import (
	"fmt"
	"unicode/utf8"

	"github.com/cyberbrief/triage-cli/internal/model"
)

// promptBodyChars caps how much article text goes into a prompt.
const promptBodyChars = 5000

const coarseSystemPrompt = `You are a cybersecurity analyst. Score the news item for triage.
Respond with ONLY a JSON object in this exact shape:
{
  "importance_score": <integer 0-100>,
  "threat_type": "<ransomware/malware/breach/vulnerability/phishing/attack/advisory/other>",
  "urgency": "<critical/high/medium/low>",
  "reasoning": "<one or two sentences explaining the score>"
}`

const deepSystemPrompt = `You are an expert cybersecurity analyst producing a threat intelligence report.
Analyze the news item thoroughly. Respond with ONLY a JSON object in this exact shape:
{
  "executive_summary": "<2-3 sentence summary for leadership>",
  "detailed_summary": "<complete summary covering all important details>",
  "technical_details": "<technical specifics: CVEs, attack vectors, affected versions>",
  "affected_systems": ["<system1>", "<system2>"],
  "affected_users": "<who is impacted and how>",
  "business_impact": "<operational and financial implications>",
  "risk_assessment": {
    "risk_level": "<critical/high/medium/low>",
    "risk_score": <integer 1-10>
  },
  "immediate_actions": ["<action1>", "<action2>"],
  "long_term_recommendations": ["<recommendation1>"],
  "indicators_of_compromise": ["<ioc1>"]
}`

func coarseUserPrompt(a *model.Article) string {
	return fmt.Sprintf("Title: %s\nSource: %s\nContent: %s",
		a.Title, a.Source, clip(a.Body(), promptBodyChars))
}

func deepUserPrompt(sr model.ScoreResult) string {
	a := sr.Article
	return fmt.Sprintf(
		"Title: %s\nSource: %s\nCoarse importance: %d (%s urgency, %s)\nContent: %s",
		a.Title, a.Source, sr.Importance, sr.Urgency, sr.ThreatType,
		clip(a.Body(), promptBodyChars))
}

// clip cuts s to at most max bytes without splitting a multi-byte rune.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
