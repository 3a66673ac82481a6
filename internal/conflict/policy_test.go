package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Misty4119/nds-api/internal/ir"
)

func ev(origin ir.OriginID, seq uint64, clock ir.VectorClock, payload ir.Object) ir.Event {
	return ir.Event{
		Origin:  origin,
		Seq:     seq,
		Type:    ir.EventAssetUpdated,
		AssetID: "gold",
		Scope:   ir.ScopePlayer,
		Payload: payload,
		Clock:   clock,
	}
}

func TestClockSumPolicy(t *testing.T) {
	low := ev("z", 1, ir.VectorClock{"z": 1}, nil)
	high := ev("a", 3, ir.VectorClock{"a": 3}, nil)

	v := ClockSumPolicy{}.Resolve(high, low)
	assert.Equal(t, Compensate, v.Action)
	assert.Equal(t, high.ID(), v.Winner)
	assert.Equal(t, low.ID(), v.Loser)
	assert.Equal(t, v, ClockSumPolicy{}.Resolve(low, high), "argument order must not matter")

	tieA := ev("a", 2, ir.VectorClock{"a": 2}, nil)
	tieB := ev("b", 2, ir.VectorClock{"b": 2}, nil)
	v = ClockSumPolicy{}.Resolve(tieA, tieB)
	assert.Equal(t, tieB.ID(), v.Winner)
}

func TestCommutativePolicy(t *testing.T) {
	x := ev("a", 1, ir.VectorClock{"a": 1}, ir.Object{"amount": ir.String("1")})
	y := ev("b", 1, ir.VectorClock{"b": 1}, ir.Object{"amount": ir.String("-2")})
	assert.Equal(t, KeepBoth, CommutativePolicy{}.Resolve(x, y).Action)

	rename := ev("b", 1, ir.VectorClock{"b": 1}, ir.Object{"fields": ir.Object{"name": ir.String("x")}})
	v := CommutativePolicy{}.Resolve(x, rename)
	assert.Equal(t, Compensate, v.Action)
	assert.Equal(t, rename.ID(), v.Winner)

	deleted := y
	deleted.Type = ir.EventAssetDeleted
	assert.Equal(t, Compensate, CommutativePolicy{}.Resolve(x, deleted).Action)
}

func TestScopedPolicy(t *testing.T) {
	p := ScopedPolicy{
		ByScope: map[ir.AssetScope]MergePolicy{ir.ScopePlayer: CommutativePolicy{}},
		Default: ClockSumPolicy{},
	}
	x := ev("a", 1, ir.VectorClock{"a": 1}, ir.Object{"amount": ir.String("1")})
	y := ev("b", 1, ir.VectorClock{"b": 1}, ir.Object{"amount": ir.String("1")})
	assert.Equal(t, KeepBoth, p.Resolve(x, y).Action)
	assert.Equal(t, "commutative", policyName(p, x, y))

	x.Scope, y.Scope = ir.ScopeGlobal, ir.ScopeGlobal
	assert.Equal(t, Compensate, p.Resolve(x, y).Action)
	assert.Equal(t, "clock-sum", policyName(p, x, y))
}

func TestMergePolicyFunc(t *testing.T) {
	f := MergePolicyFunc(func(a, b ir.Event) Verdict {
		return Verdict{Action: KeepBoth, Winner: a.ID(), Loser: b.ID()}
	})
	x := ev("a", 1, ir.VectorClock{"a": 1}, nil)
	y := ev("b", 1, ir.VectorClock{"b": 1}, nil)
	assert.Equal(t, "func", f.Name())
	assert.Equal(t, x.ID(), f.Resolve(x, y).Winner)
}

func TestTopoOrder(t *testing.T) {
	a1 := ev("a", 1, ir.VectorClock{"a": 1}, nil)
	b1 := ev("b", 1, ir.VectorClock{"a": 1, "b": 1}, nil)
	b1.Parents = []ir.EventID{a1.ID()}
	a2 := ev("a", 2, ir.VectorClock{"a": 2, "b": 1}, nil)
	a2.Parents = []ir.EventID{a1.ID(), b1.ID()}

	pending := map[ir.EventID]ir.Event{a2.ID(): a2, b1.ID(): b1, a1.ID(): a1}
	order := topoOrder(pending)
	ids := make([]ir.EventID, len(order))
	for i, e := range order {
		ids[i] = e.ID()
	}
	assert.Equal(t, []ir.EventID{a1.ID(), b1.ID(), a2.ID()}, ids)
}
