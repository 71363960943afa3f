package scraper

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverJSON(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected string
		ok       bool
	}{
		{
			name:     "Clean object",
			text:     `{"username": "someuser"}`,
			expected: `{"username": "someuser"}`,
			ok:       true,
		},
		{
			name:     "Object wrapped in prose",
			text:     `Here is the extracted profile: {"username": "someuser", "follower_count": 120} Let me know if you need more.`,
			expected: `{"username": "someuser", "follower_count": 120}`,
			ok:       true,
		},
		{
			name:     "Fenced code block",
			text:     "```json\n{\"username\": \"someuser\"}\n```",
			expected: `{"username": "someuser"}`,
			ok:       true,
		},
		{
			name:     "Fence without language tag",
			text:     "```\n[{\"post_url\": \"https://www.instagram.com/p/ABC\"}]\n```",
			expected: `[{"post_url": "https://www.instagram.com/p/ABC"}]`,
			ok:       true,
		},
		{
			name:     "Braces inside string literals",
			text:     `Result: {"caption": "use {braces} and \"quotes\" freely", "like_count": 3}`,
			expected: `{"caption": "use {braces} and \"quotes\" freely", "like_count": 3}`,
			ok:       true,
		},
		{
			name:     "Nested objects",
			text:     `prefix {"a": {"b": [1, 2, {"c": 3}]}} suffix`,
			expected: `{"a": {"b": [1, 2, {"c": 3}]}}`,
			ok:       true,
		},
		{
			name: "Skips invalid candidate and finds later valid one",
			text: `{broken json} but then {"valid": true}`,
			// The first brace opens an unparsable candidate.
			expected: `{"valid": true}`,
			ok:       true,
		},
		{
			name: "Top-level array",
			text: `The posts are: [{"post_url": "https://www.instagram.com/p/A"}, {"post_url": "https://www.instagram.com/p/B"}]`,
			expected: `[{"post_url": "https://www.instagram.com/p/A"}, ` +
				`{"post_url": "https://www.instagram.com/p/B"}]`,
			ok: true,
		},
		{name: "No JSON at all", text: "I could not complete the task.", ok: false},
		{name: "Unbalanced braces", text: `{"username": "someuser"`, ok: false},
		{name: "Empty input", text: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, ok := RecoverJSON(tt.text, "")

			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, string(raw))
				assert.True(t, json.Valid(raw))
			}
		})
	}
}

func TestRecoverJSONRequiredKey(t *testing.T) {
	t.Run("Skips earlier objects without the key", func(t *testing.T) {
		text := `Navigated to the profile. {"page": "profile", "ok": true} ` +
			`Extracted: {"posts": [{"post_url": "https://www.instagram.com/p/AAA"}]}`

		raw, ok := RecoverJSON(text, "posts")

		require.True(t, ok)
		assert.Equal(t, `{"posts": [{"post_url": "https://www.instagram.com/p/AAA"}]}`, string(raw))
	})

	t.Run("No object carries the key", func(t *testing.T) {
		_, ok := RecoverJSON(`{"page": "profile"} and {"status": "done"}`, "posts")

		assert.False(t, ok)
	})

	t.Run("Arrays always qualify", func(t *testing.T) {
		text := `{"page": "profile"} then [{"post_url": "https://www.instagram.com/p/AAA"}]`

		raw, ok := RecoverJSON(text, "posts")

		require.True(t, ok)
		assert.Equal(t, `[{"post_url": "https://www.instagram.com/p/AAA"}]`, string(raw))
	})

	t.Run("Nested payload inside a rejected wrapper is still found", func(t *testing.T) {
		text := `{"wrapper": {"posts": [{"post_url": "https://www.instagram.com/p/AAA"}]}}`

		raw, ok := RecoverJSON(text, "posts")

		require.True(t, ok)
		assert.JSONEq(t, `{"posts": [{"post_url": "https://www.instagram.com/p/AAA"}]}`, string(raw))
	})
}
