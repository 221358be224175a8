package structured

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cmdlineKeys = []string{"cmdline_items", "count"}

func TestParse_Fence(t *testing.T) {
	t.Parallel()

	text := "Here is the result:\n```json\n{\"cmdline_items\": [\"whoami /all\"], \"count\": 1}\n```\nDone."
	res := Parse(text, cmdlineKeys, false)

	require.True(t, res.OK())
	assert.Equal(t, QualityClean, res.Quality)
	assert.Equal(t, SourceFence, res.Source)
	items, ok := res.List("cmdline_items")
	require.True(t, ok)
	assert.Equal(t, []any{"whoami /all"}, items)
}

func TestParse_FenceWithoutLanguage(t *testing.T) {
	t.Parallel()

	res := Parse("```\n{\"count\": 0, \"cmdline_items\": []}\n```", cmdlineKeys, false)
	require.True(t, res.OK())
	assert.Equal(t, SourceFence, res.Source)
}

func TestParse_RoundTripThroughProse(t *testing.T) {
	t.Parallel()

	objects := []map[string]any{
		{"cmdline_items": []any{"net user /domain"}, "count": float64(1)},
		{"observables": []any{}, "summary": "none {found} here"},
		{"queries": []any{map[string]any{"q": "a \"quoted\" } brace"}}},
	}
	wrappers := []struct{ before, after string }{
		{"", ""},
		{"Let me think about this {carefully}.\n", "\nThat is my answer."},
		{"Reasoning: first {\"draft\": true} then final:\n", ""},
		{"The user said \"hi\". ", " } trailing brace"},
	}
	expected := []string{"cmdline_items", "observables", "queries"}
	for _, o := range objects {
		b, err := json.Marshal(o)
		require.NoError(t, err)
		for _, w := range wrappers {
			res := Parse(w.before+string(b)+w.after, expected, false)
			require.True(t, res.OK(), "input: %s", w.before+string(b)+w.after)
			assert.Equal(t, o, res.Object)
			assert.Equal(t, QualityClean, res.Quality)
		}
	}
}

func TestParse_PrefersExpectedKeys(t *testing.T) {
	t.Parallel()

	text := `{"cmdline_items": ["a"], "count": 1} and later {"note": "unrelated"}`
	res := Parse(text, cmdlineKeys, false)
	require.True(t, res.OK())
	assert.Contains(t, res.Object, "cmdline_items")
}

func TestParse_PrefersMoreExpectedKeys(t *testing.T) {
	t.Parallel()

	text := `{"cmdline_items": ["a"], "count": 1} then {"count": 5}`
	res := Parse(text, cmdlineKeys, false)
	require.True(t, res.OK())
	assert.Equal(t, float64(1), res.Object["count"])
}

func TestParse_PrefersLaterCandidate(t *testing.T) {
	t.Parallel()

	text := `Draft: {"cmdline_items": ["draft"], "count": 1}. Final: {"cmdline_items": ["final"], "count": 1}`
	res := Parse(text, cmdlineKeys, false)
	require.True(t, res.OK())
	assert.Equal(t, []any{"final"}, res.Object["cmdline_items"])
}

func TestParse_NoExpectedKeysAcceptsAnyObject(t *testing.T) {
	t.Parallel()

	res := Parse(`noise {"a": 1} noise`, nil, false)
	require.True(t, res.OK())
	assert.Equal(t, float64(1), res.Object["a"])
}

func TestParse_Unrecoverable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		text      string
		truncated bool
	}{
		{"prose only", "I could not find any command lines.", false},
		{"wrong keys", `{"foo": 1}`, false},
		{"truncated but not flagged", `{"cmdline_items": ["a",`, false},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Parse(tt.text, cmdlineKeys, tt.truncated)
			assert.False(t, res.OK())
			assert.Equal(t, QualityUnrecoverable, res.Quality)
			assert.Equal(t, tt.text, res.Raw)
			assert.ErrorIs(t, res.Err, ErrNoStructuredOutput)
		})
	}
}

func TestParse_RepairTruncatedArray(t *testing.T) {
	t.Parallel()

	res := Parse(`{"items": ["a","b",`, []string{"items"}, true)
	require.True(t, res.OK(), "err: %v", res.Err)
	assert.Equal(t, QualityRepaired, res.Quality)
	assert.Equal(t, SourceRepair, res.Source)
	assert.Equal(t, map[string]any{"items": []any{"a", "b"}}, res.Object)
}

func TestParse_RepairCases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want map[string]any
	}{
		{
			"unterminated string",
			`{"items": ["a", "b`,
			map[string]any{"items": []any{"a"}},
		},
		{
			"dangling key",
			`{"items": ["a"], "count"`,
			map[string]any{"items": []any{"a"}},
		},
		{
			"dangling colon",
			`{"items": ["a"], "count":`,
			map[string]any{"items": []any{"a"}},
		},
		{
			"partial literal",
			`{"items": ["a"], "done": tr`,
			map[string]any{"items": []any{"a"}},
		},
		{
			"nested objects",
			`{"items": [{"cmd": "whoami", "pid": 4}, {"cmd": "net`,
			map[string]any{"items": []any{map[string]any{"cmd": "whoami", "pid": float64(4)}, map[string]any{}}},
		},
		{
			"reasoning prefix and fence",
			"Thinking...\n```json\n{\"items\": [\"x\", \"y\"], \"count\": 2, \"extra\": {\"k\": [1, 2",
			map[string]any{"items": []any{"x", "y"}, "count": float64(2), "extra": map[string]any{"k": []any{float64(1), float64(2)}}},
		},
		{
			"escaped quote in string",
			`{"items": ["say \"hi\"", "b`,
			map[string]any{"items": []any{`say "hi"`}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Parse(tt.text, []string{"items"}, true)
			require.True(t, res.OK(), "err: %v", res.Err)
			assert.Equal(t, QualityRepaired, res.Quality)
			assert.Equal(t, tt.want, res.Object)
		})
	}
}

func TestRepair_BacksOffToComma(t *testing.T) {
	t.Parallel()

	// The second element is a bare word no literal repair can fix.
	obj, ok := repair(`{"items": ["a", bogus, "c"`)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"items": []any{"a"}}, obj)
}

func TestRepair_MismatchedBrackets(t *testing.T) {
	t.Parallel()

	_, ok := repair(`{"a": [1}`)
	assert.False(t, ok)
}

func TestParse_RepairWithoutExpectedKeysIsUnrecoverable(t *testing.T) {
	t.Parallel()

	res := Parse(`{"items" bogus`, []string{"items"}, true)
	assert.False(t, res.OK())
	assert.Equal(t, QualityUnrecoverable, res.Quality)
}

func TestResult_Decode(t *testing.T) {
	t.Parallel()

	res := Parse(`{"verdict": "pass", "feedback": "ok", "issues": ["none"]}`, []string{"verdict"}, false)
	var v struct {
		Verdict  string   `json:"verdict"`
		Feedback string   `json:"feedback"`
		Issues   []string `json:"issues"`
	}
	require.NoError(t, res.Decode(&v))
	assert.Equal(t, "pass", v.Verdict)
	assert.Equal(t, []string{"none"}, v.Issues)

	bad := Parse("nothing", []string{"verdict"}, false)
	assert.ErrorIs(t, bad.Decode(&v), ErrNoStructuredOutput)
}

func TestParse_NeverPanics(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"{", "}", "{{{{", "}}}}", `{"`, `{"a":`, `{"a":"\`, "```", "```json\n{", `[1,2,3]`,
		`{"a": [}`, "\x00\xff{\"a\":1}", `{"a": 1}}}}`,
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { Parse(in, []string{"a"}, true) }, in)
	}
}
