package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_RoundTrip(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/crash_before_watermark.yaml")
	require.NoError(t, err)
	dir := t.TempDir()

	first, err := Run(s)
	require.NoError(t, err)
	data, err := Snapshot(s.Name, first)
	require.NoError(t, err)
	g := goldie.New(t, goldie.WithFixtureDir(dir), goldie.WithNameSuffix(".golden"))
	require.NoError(t, g.Update(t, s.Name, data))

	result, err := RunWithGolden(t, s, goldie.WithFixtureDir(dir))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestSnapshot_IsCanonical(t *testing.T) {
	r := NewResult()
	r.addTrace(0, StepCommit, "a", map[string]any{"tx": "tx-a-1", "last": uint64(2), "first": uint64(1)})
	r.Digests["a"] = map[string]string{"balances": "abc"}

	data, err := Snapshot("s", r)
	require.NoError(t, err)
	assert.Equal(t,
		`{"digests":{"a":{"balances":"abc"}},"scenario_name":"s","trace":[{"action":"commit","detail":{"first":1,"last":2,"tx":"tx-a-1"},"node":"a","step":0}]}`,
		string(data))
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)
	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}
