package llm

import (
	"encoding/json"
	"strings"
)

// ExtractJSON pulls a JSON object out of free-form model output. Models
// sometimes wrap the object in prose or markdown code fences, so extraction
// is layered: strip fences, then scan from the first '{' to the last '}',
// then parse. Returns false when no parseable object is found.
func ExtractJSON(text string) (map[string]any, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}

	text = stripFences(text)

	if fields, ok := tryParse(text); ok {
		return fields, true
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	return tryParse(text[start : end+1])
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag, leaving the inner text.
func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	trimmed := strings.TrimPrefix(text, "```")
	// Drop the language tag line if present ("json\n{...").
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		firstLine := strings.TrimSpace(trimmed[:idx])
		if firstLine == "" || !strings.ContainsAny(firstLine, "{}") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func tryParse(text string) (map[string]any, bool) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil, false
	}
	return fields, true
}

// FieldString reads a string field, tolerating missing or non-string values.
func FieldString(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

// FieldInt reads a numeric field as int. JSON numbers decode as float64.
func FieldInt(fields map[string]any, key string) (int, bool) {
	switch v := fields[key].(type) {
	case float64:
		return int(v), true
	case string:
		// Some models quote numbers.
		var n float64
		if err := json.Unmarshal([]byte(v), &n); err == nil {
			return int(n), true
		}
	}
	return 0, false
}

// FieldStrings reads an array-of-strings field, skipping non-string entries.
func FieldStrings(fields map[string]any, key string) []string {
	raw, ok := fields[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// FieldMap reads a nested object field.
func FieldMap(fields map[string]any, key string) map[string]any {
	if v, ok := fields[key].(map[string]any); ok {
		return v
	}
	return nil
}
