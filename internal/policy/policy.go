// Package policy is the policy collaborator consulted by the transaction
// coordinator during commit.
package policy

import (
	"context"

	"github.com/Misty4119/nds-api/internal/ir"
)

// Context is everything a policy can see about a transaction being
// committed.
type Context struct {
	TransactionID string
	Origin        ir.OriginID
	Mode          ir.ConsistencyMode
	Subject       string
	IdentityType  ir.IdentityType
	Roles         []string
	Attributes    ir.Object // caller-supplied policy_context
	Events        []ir.Event
	// Overdrawn lists assets whose projected balance would turn negative
	// if the transaction committed.
	Overdrawn []string
}

// Decision is Allow or Deny(reason).
type Decision struct {
	Allow    bool
	Reason   string
	PolicyID string
}

// Allowed returns an allow decision.
func Allowed() Decision {
	return Decision{Allow: true}
}

// Denied returns a deny decision from policyID.
func Denied(policyID, reason string) Decision {
	return Decision{Allow: false, Reason: reason, PolicyID: policyID}
}

// Evaluator decides whether a transaction may commit. Implementations may
// be remote; callers bound them with a timeout.
type Evaluator interface {
	Evaluate(ctx context.Context, pc Context) (Decision, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, pc Context) (Decision, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, pc Context) (Decision, error) {
	return f(ctx, pc)
}

// AllowAll permits every transaction.
type AllowAll struct{}

// Evaluate always allows.
func (AllowAll) Evaluate(context.Context, Context) (Decision, error) {
	return Allowed(), nil
}

// Chain evaluates evaluators in order and returns the first denial.
type Chain []Evaluator

// Evaluate runs every evaluator until one denies or fails.
func (c Chain) Evaluate(ctx context.Context, pc Context) (Decision, error) {
	for _, ev := range c {
		d, err := ev.Evaluate(ctx, pc)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allow {
			return d, nil
		}
	}
	return Allowed(), nil
}
