package worker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/taskrelay/taskrelay/internal/executor"
)

func TestExtractPayload_Nil(t *testing.T) {
	assert.Equal(t, map[string]any{}, ExtractPayload(nil))
}

func TestExtractPayload_Strings(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"empty", "", ""},
		{"whitespace only", "  \n\t ", ""},
		{"valid json object", `{"a": 1}`, map[string]any{"a": float64(1)}},
		{"valid json array", `[1, 2]`, []any{float64(1), float64(2)}},
		{"valid json string literal", `"quoted"`, "quoted"},
		{"plain text stays as given", "not json at all", "not json at all"},
		{"padded json parses", `  {"b": true} `, map[string]any{"b": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractPayload(tt.in))
		})
	}
}

func TestExtractPayload_PartsUnwrapping(t *testing.T) {
	in := map[string]any{
		"parts": []any{
			map[string]any{"text": `{"nested": "value"}`},
			map[string]any{"text": "ignored second part"},
		},
	}
	assert.Equal(t, map[string]any{"nested": "value"}, ExtractPayload(in))
}

func TestExtractPayload_PartsPreferTextOverContentAndData(t *testing.T) {
	in := map[string]any{
		"parts": []any{
			map[string]any{"text": "from text", "content": "from content", "data": "from data"},
		},
	}
	assert.Equal(t, "from text", ExtractPayload(in))

	in = map[string]any{
		"parts": []any{map[string]any{"content": "from content", "data": "from data"}},
	}
	assert.Equal(t, "from content", ExtractPayload(in))

	in = map[string]any{
		"parts": []any{map[string]any{"data": map[string]any{"k": "v"}}},
	}
	assert.Equal(t, map[string]any{"k": "v"}, ExtractPayload(in))
}

func TestExtractPayload_TopLevelTextContentData(t *testing.T) {
	assert.Equal(t, "hi", ExtractPayload(map[string]any{"text": "hi"}))
	assert.Equal(t, map[string]any{"x": float64(1)},
		ExtractPayload(map[string]any{"content": `{"x": 1}`}))
}

func TestExtractPayload_PlainDictPassesThrough(t *testing.T) {
	in := map[string]any{"answer": 42, "steps": []any{"a", "b"}}
	assert.Equal(t, in, ExtractPayload(in))
}

func TestExtractPayload_MessageMapper(t *testing.T) {
	msg := executor.Message{Parts: []executor.Part{{Text: "done"}}}
	assert.Equal(t, "done", ExtractPayload(msg))
}

func TestExtractPayload_StructReducesToFieldMap(t *testing.T) {
	type artifact struct {
		Name string `json:"name"`
		Size int    `json:"size"`
	}
	got := ExtractPayload(artifact{Name: "report", Size: 3})
	assert.Equal(t, map[string]any{"name": "report", "size": float64(3)}, got)
}

func TestExtractPayload_NestedJSONStringInParts(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		value := rapid.MapOf(rapid.StringMatching(`[a-z]{1,8}`), rapid.Int()).Draw(t, "value")
		raw, err := json.Marshal(value)
		require.NoError(t, err)

		in := map[string]any{"parts": []any{map[string]any{"text": string(raw)}}}
		got := ExtractPayload(in)

		var want any
		require.NoError(t, json.Unmarshal(raw, &want))
		assert.Equal(t, want, got)
	})
}

func TestExtractPayload_NonJSONStringIsIdentity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringMatching(`[a-z]+ [a-z]+`).Draw(t, "s")
		var probe any
		if json.Unmarshal([]byte(s), &probe) == nil {
			t.Skip("accidentally valid JSON")
		}
		assert.Equal(t, s, ExtractPayload(s))
	})
}
