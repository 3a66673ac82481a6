package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/Misty4119/nds-api/internal/ir"
)

// TraceSnapshot is what golden files record: the step trace and the final
// projection digests of every node.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	Digests      map[string]map[string]string
}

func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"step":   ev.Step,
			"action": ev.Action,
			"node":   ev.Node,
		}
		if len(ev.Detail) > 0 {
			m["detail"] = ev.Detail
		}
		trace[i] = m
	}
	digests := make(map[string]any, len(s.Digests))
	for node, ds := range s.Digests {
		inner := make(map[string]any, len(ds))
		for name, d := range ds {
			inner[name] = d
		}
		digests[node] = inner
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"digests":       digests,
	}
}

// Snapshot renders a result as canonical JSON.
func Snapshot(name string, result *Result) ([]byte, error) {
	snap := TraceSnapshot{ScenarioName: name, Trace: result.Trace, Digests: result.Digests}
	return ir.MarshalCanonical(snap.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden. Regenerate with
//
//	go test ./internal/harness -update
//
// opts are appended to the defaults, e.g. goldie.WithFixtureDir.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...goldie.Option) (*Result, error) {
	t.Helper()
	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result, opts...)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result, opts ...goldie.Option) error {
	t.Helper()
	data, err := Snapshot(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t, append([]goldie.Option{
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	}, opts...)...)
	g.Assert(t, name, data)
	return nil
}
