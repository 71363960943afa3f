package scraper

import (
	"encoding/json"
	"strings"
)

// RecoverJSON pulls the first balanced JSON document out of noisy agent
// output. Agents wrap results in prose and code fences more often than
// they return clean JSON, so strict decoding gets one chance and then
// this runs. A non-empty requiredKey skips objects that lack it, so a
// status blob earlier in the output cannot shadow the payload; arrays
// always qualify.
func RecoverJSON(text, requiredKey string) (json.RawMessage, bool) {
	text = stripCodeFences(text)

	for start := 0; start < len(text); start++ {
		open := text[start]
		if open != '{' && open != '[' {
			continue
		}
		end, ok := balancedEnd(text, start)
		if !ok {
			continue
		}
		candidate := json.RawMessage(text[start : end+1])
		if json.Valid(candidate) && hasRequiredKey(candidate, requiredKey) {
			return candidate, true
		}
	}
	return nil, false
}

// hasRequiredKey reports whether the document is an array or an object
// carrying the key at its top level.
func hasRequiredKey(doc json.RawMessage, key string) bool {
	if key == "" {
		return true
	}
	trimmed := strings.TrimSpace(string(doc))
	if strings.HasPrefix(trimmed, "[") {
		return true
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil {
		return false
	}
	_, ok := obj[key]
	return ok
}

// balancedEnd walks from an opening brace to its matching close,
// skipping string literals and escapes.
func balancedEnd(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i, true
			}
			if depth < 0 {
				return 0, false
			}
		}
	}
	return 0, false
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
