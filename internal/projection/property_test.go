//go:build property

package projection

import (
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/testutil"
)

var amounts = []string{"1", "-2.5", "10", "0.01", "-7"}

// history turns generated steps into a causally valid event sequence for
// origins a and b. Step values: 0/1 commit on a/b, 2/3 a/b observes the
// other's events so far.
func history(steps []int, picks []int) []ir.Event {
	chains := map[ir.OriginID]*testutil.Chain{"a": testutil.NewChain("a"), "b": testutil.NewChain("b")}
	byOrigin := map[ir.OriginID][]ir.Event{}
	var out []ir.Event
	emit := func(ev ir.Event) {
		out = append(out, ev)
		byOrigin[ev.Origin] = append(byOrigin[ev.Origin], ev)
	}
	for i, s := range steps {
		amount := amounts[picks[i%len(picks)]%len(amounts)]
		switch s {
		case 0:
			emit(chains["a"].Delta("gold", amount))
		case 1:
			emit(chains["b"].Delta("gold", amount))
		case 2:
			chains["a"].Observe(byOrigin["b"]...)
		case 3:
			chains["b"].Observe(byOrigin["a"]...)
		}
	}
	return out
}

func foldWith(p Projection, events []ir.Event) (string, error) {
	state := p.Init()
	for _, ev := range events {
		var err error
		if state, err = p.Apply(state, ev); err != nil {
			return "", err
		}
	}
	return ir.ProjectionDigest(state)
}

// readyFirst reorders a causal history by repeatedly taking the smallest
// (origin, seq) event whose dependencies are already taken.
func readyFirst(events []ir.Event) []ir.Event {
	folded := ir.VectorClock{}
	rest := slices.Clone(events)
	var out []ir.Event
	for len(rest) > 0 {
		pick := -1
		for i, ev := range rest {
			if _, missing := missingDependency(ev, folded); missing {
				continue
			}
			if pick < 0 || ir.CompareEventIDs(ev.ID(), rest[pick].ID()) < 0 {
				pick = i
			}
		}
		if pick < 0 {
			return out
		}
		ev := rest[pick]
		out = append(out, ev)
		folded[ev.Origin] = ev.Seq
		rest = slices.Delete(rest, pick, pick+1)
	}
	return out
}

func TestProperty_FoldIsOrderIndependent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every topological order yields the same digest", prop.ForAll(
		func(steps []int, picks []int) bool {
			if len(picks) == 0 {
				picks = []int{0}
			}
			events := history(steps, picks)
			sorted := readyFirst(events)
			if len(sorted) != len(events) {
				return false
			}
			for _, p := range Builtins() {
				generated, err := foldWith(p, events)
				if err != nil {
					return false
				}
				topo, err := foldWith(p, sorted)
				if err != nil || topo != generated {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.Property("split folds equal one fold", prop.ForAll(
		func(steps []int, cut int) bool {
			events := history(steps, []int{cut})
			if len(events) == 0 {
				return true
			}
			k := cut % (len(events) + 1)
			for _, p := range Builtins() {
				whole, err := foldWith(p, events)
				if err != nil {
					return false
				}
				state := p.Init()
				folded := ir.VectorClock{}
				state, folded, err = fold(p, nil, state, folded, events[:k])
				if err != nil {
					return false
				}
				state, _, err = fold(p, nil, state, folded, events[k:])
				if err != nil {
					return false
				}
				split, err := ir.ProjectionDigest(state)
				if err != nil || split != whole {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
