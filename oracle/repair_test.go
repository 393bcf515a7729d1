package oracle

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractObject(t *testing.T) {
	var cases = []struct {
		name  string
		reply string
		want  string
		ok    bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, true},
		{"proseAround", "Here you go:\n```json\n{\"a\":1}\n```\nEnjoy!", `{"a":1}`, true},
		{"nested", `{"a":{"b":[1,2]}} trailing`, `{"a":{"b":[1,2]}}`, true},
		{"bracesInStrings", `{"a":"}x{"} rest`, `{"a":"}x{"}`, true},
		{"truncated", `note {"a":[1,2`, `{"a":[1,2`, true},
		{"firstOfTwo", `{"a":1} {"b":2}`, `{"a":1}`, true},
		{"none", "no json at all", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got, ok = ExtractObject(tc.reply)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestRepair(t *testing.T) {
	var cases = []struct {
		name string
		in   string
		want string
	}{
		{"valid", `{"a":1}`, `{"a":1}`},
		{"trailingComma", `{"a":1,}`, `{"a":1}`},
		{"trailingCommaInArray", `{"a":[1,2,]}`, `{"a":[1,2]}`},
		{"unclosedArrayWithComma", `{"confidence":0.8,"items":["a","b",`, `{"confidence":0.8,"items":["a","b"]}`},
		{"unclosedObject", `{"a":{"b":1`, `{"a":{"b":1}}`},
		{"unterminatedString", `{"a":"abc`, `{"a":"abc"}`},
		{"halfEscape", `{"a":"abc\`, `{"a":"abc"}`},
		{"trailingProse", `{"a":1} hope this helps!`, `{"a":1}`},
		{"commaInString", `{"a":",}"}`, `{"a":",}"}`},
		{"multilineTrailingComma", "{\n  \"a\": 1,\n}", "{\n  \"a\": 1\n}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got = Repair(tc.in)
			require.Equal(t, tc.want, got)
			require.True(t, json.Valid([]byte(got)), "repaired output must parse: %s", got)
		})
	}
}

// Whenever Repair produces parseable output, repairing again is a no-op.
func TestRepairIsIdempotent(t *testing.T) {
	var corpus = []string{
		`{"a":1}`,
		`{"a":1,}`,
		`{"a":[1,2,`,
		`{"a":{"b":"c`,
		`{"a":"x\`,
		`{"nested":{"deep":[{"x":1},{"y":2},`,
		`{"a":1} trailing junk {"b":2}`,
		`{"s":"quote \" inside","n":[],}`,
		"{\n\"list\": [\n  \"one\",\n  \"two\",\n",
		`{`,
		`{"empty":`,
	}
	for _, in := range corpus {
		var once = Repair(in)
		if !json.Valid([]byte(once)) {
			continue
		}
		require.Equal(t, once, Repair(once), "input: %q", in)
	}
}

// An unclosed bracket plus a trailing comma repairs into a record with
// the present fields preserved and the missing ones defaulted.
func TestTruncatedAnalysisDecodes(t *testing.T) {
	var reply = `The analysis follows.
{"changeType":"feature","impactLevel":"major","summary":"adds v2 API","confidence":0.9,"followUpTasks":["migrate clients",`

	var analysis ChangeAnalysis
	require.NoError(t, decodeReply(reply, &analysis))
	analysis.normalize()

	require.Equal(t, "feature", analysis.ChangeType)
	require.Equal(t, "major", analysis.ImpactLevel)
	require.Equal(t, []string{"migrate clients"}, analysis.FollowUpTasks)
	require.Equal(t, 0.9, analysis.Confidence)
	require.Empty(t, analysis.NewTechnologies)
}

func TestConfidenceAbsentDefaultsToZero(t *testing.T) {
	var analysis ChangeAnalysis
	require.NoError(t, decodeReply(`{"changeType":"bugfix"`, &analysis))
	analysis.normalize()
	require.Zero(t, analysis.Confidence)
}
