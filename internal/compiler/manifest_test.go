package compiler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/policy"
	"github.com/Misty4119/nds-api/internal/projection"
)

const shopManifest = `
ledger: {
	schemas: [{
		name:        "shop.purchase"
		version:     "1.0.0"
		types:       ["TRANSACTION"]
		description: "item bought from a shop"
		fields: {
			item:  string
			qty:   int
			price: "decimal"
		}
		required: ["item", "price"]
	}]
	policies: [{
		id:     "cap"
		type:   "forbid"
		expr:   "size(events) > 100"
		reason: "too many events"
	}]
	projections: [{
		name:   "gold"
		base:   "balances"
		assets: ["gold*"]
	}]
}
`

func TestCompileString(t *testing.T) {
	m, err := CompileString("shop.cue", shopManifest)
	require.NoError(t, err)

	require.Len(t, m.Schemas, 1)
	s := m.Schemas[0]
	assert.Equal(t, "shop.purchase", s.Name)
	assert.Equal(t, []ir.EventType{ir.EventTransaction}, s.Types)
	assert.Equal(t, map[string]string{"item": "string", "qty": "int", "price": "decimal"}, s.Fields)
	assert.Equal(t, []string{"item", "price"}, s.Required)

	assert.Equal(t, []policy.Rule{{ID: "cap", Type: "forbid", Expr: "size(events) > 100", Reason: "too many events"}}, m.Rules())
	assert.Equal(t, []ProjectionSpec{{Name: "gold", Base: "balances", Assets: []string{"gold*"}}}, m.Projections)
	assert.Empty(t, Validate(m))
	assert.NoError(t, m.Err())
}

func TestCompileString_MissingLedger(t *testing.T) {
	_, err := CompileString("empty.cue", `other: 1`)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "ledger", ce.Field)
}

func TestCompileString_SyntaxError(t *testing.T) {
	_, err := CompileString("bad.cue", `ledger: { schemas: [ }`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.cue")
}

func TestCompileString_FloatFieldRejected(t *testing.T) {
	_, err := CompileString("float.cue", `
ledger: schemas: [{name: "x", version: "1.0.0", fields: {ratio: float}}]
`)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Message, "use decimal")
}

func TestRegistry_ValidatesPayloads(t *testing.T) {
	m, err := CompileString("shop.cue", shopManifest)
	require.NoError(t, err)
	reg, err := m.Registry()
	require.NoError(t, err)

	ev := ir.Event{
		Origin: "a", Seq: 1, TransactionID: "tx1", Type: ir.EventTransaction,
		Schema: "shop.purchase", SchemaVersion: "1.0.0",
		Payload: ir.Object{"item": ir.String("sword"), "price": ir.String("12.50")},
		Clock:   ir.VectorClock{"a": 1},
	}
	assert.NoError(t, reg.Validate(ev))

	ev.Payload = ir.Object{"item": ir.String("sword"), "price": ir.String("12.5.0")}
	assert.Error(t, reg.Validate(ev))

	ev.Payload = ir.Object{"item": ir.String("sword"), "price": ir.String("1"), "colour": ir.String("red")}
	assert.Error(t, reg.Validate(ev), "closed schema rejects undeclared keys")

	_, err = reg.Lookup(ir.SchemaConflict, "1.0.0")
	assert.NoError(t, err, "built-ins stay registered")
}

func TestBuildProjections(t *testing.T) {
	m, err := CompileString("shop.cue", shopManifest)
	require.NoError(t, err)
	ps, err := m.BuildProjections()
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "gold", ps[0].Name())

	f, ok := ps[0].(projection.Filter)
	require.True(t, ok)
	assert.True(t, f.Accept(ir.Event{AssetID: "gold-coin"}))
	assert.False(t, f.Accept(ir.Event{AssetID: "silver"}))

	m.Projections[0].Base = "nope"
	_, err = m.BuildProjections()
	assert.ErrorContains(t, err, "unknown base")
}

func TestCompileDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schemas.cue"), []byte(`package shop
ledger: schemas: [{name: "shop.refund", version: "1.0.0", fields: {item: string}}]
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policies.cue"), []byte(`package shop
ledger: policies: [{id: "always", expr: "true"}]
`), 0o644))

	m, err := Compile(dir)
	require.NoError(t, err)
	assert.Len(t, m.Schemas, 1)
	assert.Len(t, m.Policies, 1)

	file := filepath.Join(dir, "schemas.cue")
	m, err = Compile(file)
	require.NoError(t, err)
	assert.Len(t, m.Schemas, 1)
	assert.Empty(t, m.Policies)

	_, err = Compile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
