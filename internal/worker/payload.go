package worker

import (
	"encoding/json"
	"strings"

	"github.com/taskrelay/taskrelay/internal/executor"
)

// ExtractPayload normalizes an executor-emitted payload into the value
// that gets persisted. Strings are JSON-parsed when possible, structured
// values are reduced to plain maps, and wrapper shapes (a parts list or
// top-level text/content/data keys) are unwrapped recursively.
func ExtractPayload(src any) any {
	if src == nil {
		return map[string]any{}
	}

	switch v := src.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return ""
		}
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
		return v
	case map[string]any:
		return extractFromMap(v)
	case executor.Mapper:
		return extractFromMap(v.AsMap())
	default:
		m, ok := toMap(v)
		if !ok {
			return v
		}
		return extractFromMap(m)
	}
}

func extractFromMap(m map[string]any) any {
	if parts, ok := m["parts"].([]any); ok && len(parts) > 0 {
		if first, ok := parts[0].(map[string]any); ok {
			if inner, ok := firstPresent(first); ok {
				return ExtractPayload(inner)
			}
		}
	}
	if inner, ok := firstPresent(m); ok {
		return ExtractPayload(inner)
	}
	return m
}

// firstPresent returns the first non-nil of the text, content and data
// keys.
func firstPresent(m map[string]any) (any, bool) {
	for _, key := range []string{"text", "content", "data"} {
		if v, ok := m[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// toMap reduces an arbitrary struct to its field map via a JSON round
// trip.
func toMap(v any) (map[string]any, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}
