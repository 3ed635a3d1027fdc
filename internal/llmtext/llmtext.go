// Package llmtext recovers structured JSON from free-form model output.
//
// Generation services are asked for pure JSON but routinely wrap it in
// markdown fences, prefix it with prose, or truncate it. Both extractors
// return (value, ok) and never an error: an unrecoverable payload is a
// normal outcome here, and every caller owns its own fallback policy.
package llmtext

import (
	"encoding/json"
	"strings"
)

// Object extracts the first JSON object embedded in raw text. It strips
// fence markers, then parses the span from the first '{' to the last '}'.
func Object(raw string) (json.RawMessage, bool) {
	cleaned := stripFences(raw)

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, false
	}

	candidate := cleaned[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil, false
	}
	return json.RawMessage(candidate), true
}

// List extracts a JSON array from raw text. A top-level array span is
// preferred; failing that, an embedded object is searched for the first of
// altKeys holding an array; failing that, the whole cleaned text is tried.
func List(raw string, altKeys ...string) (json.RawMessage, bool) {
	cleaned := stripFences(raw)

	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start != -1 && end > start {
		candidate := cleaned[start : end+1]
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), true
		}
	}

	if obj, ok := Object(cleaned); ok {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(obj, &fields); err == nil {
			for _, key := range altKeys {
				if v, ok := fields[key]; ok && isArray(v) {
					return v, true
				}
			}
		}
	}

	trimmed := strings.TrimSpace(cleaned)
	if isArray(json.RawMessage(trimmed)) && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), true
	}
	return nil, false
}

func isArray(v json.RawMessage) bool {
	s := strings.TrimSpace(string(v))
	return strings.HasPrefix(s, "[")
}

// stripFences removes markdown code-fence lines (``` or ```json) while
// keeping everything between them.
func stripFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
