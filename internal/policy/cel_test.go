package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Misty4119/nds-api/internal/ir"
)

func txContext(events ...ir.Event) Context {
	return Context{
		TransactionID: "tx-1",
		Origin:        "server-1",
		Mode:          ir.ModeStrong,
		Subject:       "alice",
		IdentityType:  ir.IdentityPlayer,
		Roles:         []string{"trader"},
		Attributes:    ir.Object{"region": ir.String("eu")},
		Events:        events,
	}
}

func delta(asset, amount string) ir.Event {
	return ir.Event{
		Origin: "server-1", Seq: 1, Type: ir.EventAssetUpdated, AssetID: asset,
		Schema: "asset.delta", Payload: ir.Object{"amount": ir.String(amount)},
	}
}

func TestCELEvaluator_RequireAndForbid(t *testing.T) {
	e, err := NewCELEvaluator([]Rule{
		{ID: "traders-only", Expr: `"trader" in identity.roles`, Reason: "not a trader"},
		{ID: "no-gems", Type: TypeForbid, Expr: `events.exists(e, e.asset_id == "gems")`, Reason: "gems are frozen"},
		InsufficientBalanceRule,
	})
	require.NoError(t, err)
	ctx := context.Background()

	d, err := e.Evaluate(ctx, txContext(delta("gold", "5")))
	require.NoError(t, err)
	assert.True(t, d.Allow)

	d, err = e.Evaluate(ctx, txContext(delta("gems", "5")))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "no-gems", d.PolicyID)
	assert.Equal(t, "gems are frozen", d.Reason)

	pc := txContext(delta("gold", "-5"))
	pc.Roles = nil
	d, err = e.Evaluate(ctx, pc)
	require.NoError(t, err)
	assert.Equal(t, "traders-only", d.PolicyID)

	pc = txContext(delta("gold", "-5"))
	pc.Overdrawn = []string{"gold"}
	d, err = e.Evaluate(ctx, pc)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, string(ir.CodeInsufficientBalance), d.Reason)
}

func TestCELEvaluator_Attributes(t *testing.T) {
	e, err := NewCELEvaluator([]Rule{{ID: "eu", Expr: `tx.attributes.region == "eu" && tx.mode == "STRONG"`}})
	require.NoError(t, err)

	d, err := e.Evaluate(context.Background(), txContext())
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestCELEvaluator_CompileErrors(t *testing.T) {
	_, err := NewCELEvaluator([]Rule{{ID: "bad", Expr: `tx.(`}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")

	_, err = NewCELEvaluator([]Rule{{ID: "num", Expr: `1 + 2`}})
	require.Error(t, err, "non-bool expressions are rejected")

	_, err = NewCELEvaluator([]Rule{{ID: "x", Expr: "true"}, {ID: "x", Expr: "true"}})
	require.Error(t, err)

	_, err = NewCELEvaluator([]Rule{{ID: "x", Type: "maybe", Expr: "true"}})
	require.Error(t, err)
}

func TestCELEvaluator_EvalErrorFailsClosed(t *testing.T) {
	e, err := NewCELEvaluator([]Rule{{ID: "missing", Expr: `tx.attributes.nope == "x"`}})
	require.NoError(t, err)

	d, err := e.Evaluate(context.Background(), txContext())
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "evaluation error")
}

func TestCELEvaluator_CancelledContext(t *testing.T) {
	e, err := NewCELEvaluator([]Rule{{ID: "ok", Expr: "true"}})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err = e.Evaluate(ctx, txContext())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChain(t *testing.T) {
	deny := EvaluatorFunc(func(context.Context, Context) (Decision, error) {
		return Denied("always", "no"), nil
	})
	d, err := Chain{AllowAll{}, deny}.Evaluate(context.Background(), Context{})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "always", d.PolicyID)

	d, err = Chain{AllowAll{}}.Evaluate(context.Background(), Context{})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}
