// Package conflict resolves events arriving from remote peers before they
// are appended locally.
//
// Remote events are ordered topologically, parked while a causal parent
// is missing, and checked for concurrency against stored events on the
// same asset. A concurrent pair is handed to a MergePolicy. Nothing is
// ever dropped: the loser of a Compensate verdict stays in the log and a
// CONFLICT marker tells projections to reverse its effect.
package conflict

import (
	"cmp"

	"github.com/Misty4119/nds-api/internal/ir"
)

// Action is what a MergePolicy decided for a concurrent pair.
type Action string

const (
	// KeepBoth applies both events; their effects commute.
	KeepBoth Action = "KEEP_BOTH"
	// Compensate keeps both events but reverses the loser in projections.
	Compensate Action = "COMPENSATE"
)

// Verdict is a MergePolicy's decision.
type Verdict struct {
	Action Action
	Winner ir.EventID
	Loser  ir.EventID
	Reason string
}

// MergePolicy decides concurrent updates to one asset. Resolve is called
// with a and b in EventID order and must be deterministic: every node
// resolving the same pair reaches the same verdict.
type MergePolicy interface {
	Name() string
	Resolve(a, b ir.Event) Verdict
}

// MergePolicyFunc adapts a function to MergePolicy.
type MergePolicyFunc func(a, b ir.Event) Verdict

// Name returns "func".
func (f MergePolicyFunc) Name() string { return "func" }

// Resolve calls f.
func (f MergePolicyFunc) Resolve(a, b ir.Event) Verdict { return f(a, b) }

// ClockSumPolicy is the default: the event with the higher
// (clock sum, origin) wins and the other is compensated.
type ClockSumPolicy struct{}

// Name returns "clock-sum".
func (ClockSumPolicy) Name() string { return "clock-sum" }

// Resolve picks the winner by (clock sum, origin).
func (ClockSumPolicy) Resolve(a, b ir.Event) Verdict {
	winner, loser := a, b
	if compareRank(a, b) < 0 {
		winner, loser = b, a
	}
	return Verdict{
		Action: Compensate,
		Winner: winner.ID(),
		Loser:  loser.ID(),
		Reason: "concurrent update; higher (clock sum, origin) wins",
	}
}

func compareRank(a, b ir.Event) int {
	if c := cmp.Compare(a.Clock.Sum(), b.Clock.Sum()); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Origin, b.Origin); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// CommutativePolicy keeps both sides when both events are pure amount
// deltas, which commute. Anything else (attribute updates, creation,
// deletion) goes to Fallback, or ClockSumPolicy when Fallback is nil.
type CommutativePolicy struct {
	Fallback MergePolicy
}

// Name returns "commutative".
func (CommutativePolicy) Name() string { return "commutative" }

// Resolve keeps commuting deltas and defers the rest.
func (p CommutativePolicy) Resolve(a, b ir.Event) Verdict {
	if pureDelta(a) && pureDelta(b) {
		return Verdict{Action: KeepBoth, Winner: b.ID(), Loser: a.ID(), Reason: "amount deltas commute"}
	}
	fallback := p.Fallback
	if fallback == nil {
		fallback = ClockSumPolicy{}
	}
	return fallback.Resolve(a, b)
}

func pureDelta(ev ir.Event) bool {
	if ev.Type != ir.EventAssetUpdated && ev.Type != ir.EventTransaction {
		return false
	}
	if _, ok := ev.Payload["fields"]; ok {
		return false
	}
	_, ok := ev.Payload.String("amount")
	return ok
}

// ScopedPolicy selects a policy by the asset scope of the pair. Pairs
// whose scopes differ use Default.
type ScopedPolicy struct {
	ByScope map[ir.AssetScope]MergePolicy
	Default MergePolicy
}

// Name returns "scoped".
func (ScopedPolicy) Name() string { return "scoped" }

// Resolve delegates to the policy for the pair's scope.
func (p ScopedPolicy) Resolve(a, b ir.Event) Verdict {
	return p.pick(a, b).Resolve(a, b)
}

// PolicyFor returns the name of the policy that resolves (a, b).
func (p ScopedPolicy) PolicyFor(a, b ir.Event) string {
	return p.pick(a, b).Name()
}

func (p ScopedPolicy) pick(a, b ir.Event) MergePolicy {
	if a.Scope == b.Scope {
		if mp, ok := p.ByScope[a.Scope]; ok && mp != nil {
			return mp
		}
	}
	if p.Default != nil {
		return p.Default
	}
	return ClockSumPolicy{}
}

// policyName reports the policy that actually decided a pair.
func policyName(mp MergePolicy, a, b ir.Event) string {
	if sp, ok := mp.(ScopedPolicy); ok {
		return sp.PolicyFor(a, b)
	}
	return mp.Name()
}
