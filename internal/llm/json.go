package llm

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrMalformed is returned when a model reply holds no usable JSON object.
var ErrMalformed = errors.New("malformed llm response")

// ParseJSONResponse extracts a JSON object from a model reply. It tolerates
// markdown code fences and prose around the object.
func ParseJSONResponse(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrMalformed
	}

	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		endIdx := len(lines)
		for i := len(lines) - 1; i > 0; i-- {
			if strings.TrimSpace(lines[i]) == "```" {
				endIdx = i
				break
			}
		}
		text = strings.Join(lines[1:endIdx], "\n")
	}

	// Fall back to the outermost braces when the model chatters around the object.
	if !strings.HasPrefix(strings.TrimSpace(text), "{") {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return nil, ErrMalformed
		}
		text = text[start : end+1]
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	return result, nil
}

// String returns m[key] as a trimmed string, or "".
func String(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Int returns m[key] as an int, accepting JSON numbers and numeric strings.
func Int(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		i, err := json.Number(strings.TrimSpace(v)).Int64()
		return int(i), err == nil
	}
	return 0, false
}

// Strings returns m[key] as a string slice, skipping non-string entries.
func Strings(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
