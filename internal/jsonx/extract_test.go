package jsonx

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fence(s string) string { return "```json\n" + s + "\n```" }

func TestExtractFencedAndBare(t *testing.T) {
	records := []map[string]any{
		{"age": 35.0, "city": "北京", "marital_status": "married"},
		{"risk_factors": []any{"age", "dependents"}, "risk_score": 62.5},
		{"nested": map[string]any{"a": 1.0, "b": []any{true, nil}}},
		{},
	}
	for _, want := range records {
		raw, err := json.Marshal(want)
		require.NoError(t, err)

		got, err := Extract(fence(string(raw)))
		require.NoError(t, err)
		assert.Equal(t, want, got, "fenced")

		got, err = Extract(string(raw))
		require.NoError(t, err)
		assert.Equal(t, want, got, "bare")
	}
}

func TestExtractSurroundingProse(t *testing.T) {
	got, err := Extract(`some text {"a":1} trailing`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0}, got)
}

func TestExtractProseAroundFence(t *testing.T) {
	text := "Here is the profile:\n```json\n{\"age\": 41, \"city\": \"Shanghai\"}\n```\nLet me know if you need more."
	got, err := Extract(text)
	require.NoError(t, err)
	assert.Equal(t, 41.0, got["age"])
	assert.Equal(t, "Shanghai", got["city"])
}

func TestExtractUntaggedFence(t *testing.T) {
	got, err := Extract("```\n{\"risk_level\": \"balanced\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "balanced", got["risk_level"])
}

func TestExtractNestedBraces(t *testing.T) {
	got, err := Extract(`prefix {"outer": {"inner": {"x": 2}}} suffix {"ignored": true}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"outer": map[string]any{"inner": map[string]any{"x": 2.0}}}, got)
}

func TestExtractFailures(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"plain prose", "not json at all"},
		{"empty", ""},
		{"whitespace", "   \n\t"},
		{"unbalanced", `{"a": 1`},
		{"array", `[1, 2, 3]`},
		{"null", `null`},
		{"brace inside string", `{"note": "use } carefully", "x": 1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(tt.text)
			require.Error(t, err)
			assert.Nil(t, got)
			assert.True(t, errors.Is(err, ErrParse))

			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.NotNil(t, pe.Err)
		})
	}
}

func TestCandidateNeverPanics(t *testing.T) {
	inputs := []string{
		"",
		"{",
		"}",
		"}{",
		"```",
		"``````",
		"```json```",
		`{"a": "}"}`,
		`{"a": "{"}`,
		"中文 {\"城市\": \"北京\"} 结束",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { _ = Candidate(in) }, in)
		assert.NotPanics(t, func() { _, _ = Extract(in) }, in)
	}
}

func TestCandidateSelection(t *testing.T) {
	assert.Equal(t, `{"a":1}`, Candidate("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, Candidate(`x {"a":1} y`))
	assert.Equal(t, "no braces", Candidate("  no braces  "))
	// empty fence falls through to the brace scan
	assert.Equal(t, `{"b":2}`, Candidate("```json\n```\n{\"b\":2}"))
}

func TestCodecMatchesEncodingJSON(t *testing.T) {
	in := map[string]any{"b": "<x>", "a": 1.5, "c": []any{true, nil}}
	got, err := Marshal(in)
	require.NoError(t, err)
	want, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))

	var out map[string]any
	require.NoError(t, Unmarshal(got, &out))
	assert.Equal(t, in, out)
	assert.Error(t, UnmarshalString(`{"a": 1} trailing`, &out))
}
