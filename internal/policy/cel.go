package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Misty4119/nds-api/internal/ir"
)

// Rule types.
const (
	// TypeRequire denies when the expression is false.
	TypeRequire = "require"
	// TypeForbid denies when the expression is true.
	TypeForbid = "forbid"
)

// Rule is a policy descriptor {id, type, expr, reason, metadata}.
type Rule struct {
	ID       string            `json:"id" yaml:"id"`
	Type     string            `json:"type,omitempty" yaml:"type,omitempty"`
	Expr     string            `json:"expr" yaml:"expr"`
	Reason   string            `json:"reason,omitempty" yaml:"reason,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// InsufficientBalanceRule denies transactions that would overdraw an asset.
var InsufficientBalanceRule = Rule{
	ID:     "insufficient-balance",
	Type:   TypeForbid,
	Expr:   `size(tx.overdrawn) > 0`,
	Reason: string(ir.CodeInsufficientBalance),
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// CELEvaluator evaluates rules written in CEL. Rules are compiled once at
// construction and evaluated in order; the first denial wins.
//
// Variables:
//
//	tx       map: id, origin, mode, subject, attributes, overdrawn
//	events   list of maps: origin, seq, type, asset_id, scope, schema, payload
//	origin   string
//	identity map: subject, type, roles
type CELEvaluator struct {
	rules []compiledRule
}

// NewCELEvaluator compiles rules. Any compile error is returned with the
// offending rule id.
func NewCELEvaluator(rules []Rule) (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.DynType),
		cel.Variable("events", cel.DynType),
		cel.Variable("origin", cel.StringType),
		cel.Variable("identity", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &CELEvaluator{}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("policy rule: id is required")
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("policy rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
		if r.Type == "" {
			r.Type = TypeRequire
		}
		if r.Type != TypeRequire && r.Type != TypeForbid {
			return nil, fmt.Errorf("policy rule %s: unknown type %q", r.ID, r.Type)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy rule %s: compile: %w", r.ID, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("policy rule %s: expression must be bool, got %s", r.ID, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("policy rule %s: program: %w", r.ID, err)
		}
		e.rules = append(e.rules, compiledRule{Rule: r, prg: prg})
	}
	return e, nil
}

// Rules returns the compiled rule descriptors in evaluation order.
func (e *CELEvaluator) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Rule
	}
	return out
}

// Evaluate runs every rule against pc. Evaluation errors fail closed.
func (e *CELEvaluator) Evaluate(ctx context.Context, pc Context) (Decision, error) {
	input := activation(pc)
	for _, r := range e.rules {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		out, _, err := r.prg.ContextEval(ctx, input)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Decision{}, ctxErr
			}
			return Denied(r.ID, fmt.Sprintf("evaluation error: %v", err)), nil
		}
		val, ok := out.Value().(bool)
		if !ok {
			return Denied(r.ID, "result not bool"), nil
		}
		if (r.Type == TypeRequire && !val) || (r.Type == TypeForbid && val) {
			reason := r.Reason
			if reason == "" {
				reason = fmt.Sprintf("denied by policy %s", r.ID)
			}
			return Denied(r.ID, reason), nil
		}
	}
	return Allowed(), nil
}

func activation(pc Context) map[string]any {
	attrs := map[string]any{}
	if pc.Attributes != nil {
		attrs = ir.ToGo(pc.Attributes).(map[string]any)
	}
	overdrawn := make([]any, len(pc.Overdrawn))
	for i, a := range pc.Overdrawn {
		overdrawn[i] = a
	}
	roles := make([]any, len(pc.Roles))
	for i, r := range pc.Roles {
		roles[i] = r
	}
	events := make([]any, len(pc.Events))
	for i, ev := range pc.Events {
		payload := map[string]any{}
		if ev.Payload != nil {
			payload = ir.ToGo(ev.Payload).(map[string]any)
		}
		events[i] = map[string]any{
			"origin":   string(ev.Origin),
			"seq":      int64(ev.Seq),
			"type":     string(ev.Type),
			"asset_id": ev.AssetID,
			"scope":    string(ev.Scope),
			"schema":   ev.Schema,
			"payload":  payload,
		}
	}
	return map[string]any{
		"tx": map[string]any{
			"id":         pc.TransactionID,
			"origin":     string(pc.Origin),
			"mode":       string(pc.Mode),
			"subject":    pc.Subject,
			"attributes": attrs,
			"overdrawn":  overdrawn,
		},
		"events": events,
		"origin": string(pc.Origin),
		"identity": map[string]any{
			"subject": pc.Subject,
			"type":    string(pc.IdentityType),
			"roles":   roles,
		},
	}
}
