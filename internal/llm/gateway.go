// Package llm wraps single request/response exchanges with the local
// inference backend and classifies each outcome so callers can branch on
// explicit variants instead of catching errors.
package llm

import (
	"context"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/cyberbrief/triage-cli/pkg/ollama"
)

// Prompt bounds applied before transmission regardless of caller input.
// Keeps latency predictable within the model's context window.
const (
	maxSystemChars = 2000
	maxUserChars   = 20000
)

// Default sampling parameters for analysis calls.
const (
	defaultTemperature = 0.3
	defaultNumCtx      = 8192
	defaultTopP        = 0.95
)

// OutcomeKind classifies the result of one gateway call.
type OutcomeKind int

const (
	// OutcomeStructured means the response parsed into a JSON object.
	OutcomeStructured OutcomeKind = iota
	// OutcomeMalformed means the call succeeded but the content did not
	// parse; Raw carries the text for diagnostic logging.
	OutcomeMalformed
	// OutcomeFailed means transport error, timeout, or non-success status.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeStructured:
		return "structured"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of one call. Exactly one of Fields, Raw, or
// Err is meaningful, keyed by Kind.
type Outcome struct {
	Kind   OutcomeKind
	Fields map[string]any
	Raw    string
	Err    error
}

// Request describes one bounded exchange.
type Request struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Gateway performs bounded calls against the inference backend. It does no
// retries: retry and fallback policy belong to the calling stage.
type Gateway struct {
	client ollama.Client
	model  string
}

// NewGateway wraps an inference client. model may be empty to use the
// client's default.
func NewGateway(client ollama.Client, model string) *Gateway {
	return &Gateway{client: client, model: model}
}

// Complete performs one call and classifies the outcome. The context is
// bounded by req.Timeout when set; cancellation maps to OutcomeFailed.
func (g *Gateway) Complete(ctx context.Context, req Request) Outcome {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var messages []ollama.Message
	if req.System != "" {
		messages = append(messages, ollama.Message{
			Role:    "system",
			Content: truncate(req.System, maxSystemChars),
		})
	}
	messages = append(messages, ollama.Message{
		Role:    "user",
		Content: truncate(req.User, maxUserChars),
	})

	temperature := req.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}

	resp, err := g.client.Chat(ctx, ollama.ChatRequest{
		Model:    g.model,
		Messages: messages,
		Stream:   false,
		Options: &ollama.Options{
			Temperature: temperature,
			NumPredict:  req.MaxTokens,
			NumCtx:      defaultNumCtx,
			TopP:        defaultTopP,
		},
	})
	if err != nil {
		zap.L().Warn("inference call failed", zap.Error(err))
		return Outcome{Kind: OutcomeFailed, Err: err}
	}

	text := resp.Message.Content
	fields, ok := ExtractJSON(text)
	if !ok {
		zap.L().Info("inference response did not parse",
			zap.String("snippet", truncate(text, 200)))
		return Outcome{Kind: OutcomeMalformed, Raw: text}
	}

	return Outcome{Kind: OutcomeStructured, Fields: fields, Raw: text}
}

// truncate cuts s to at most max bytes, backing the cut up so a multi-byte
// rune is never split.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
