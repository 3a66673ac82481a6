package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Misty4119/nds-api/internal/ir"
)

func deltaEvent(payload ir.Object) ir.Event {
	return ir.Event{
		Origin:        "a",
		Seq:           1,
		TransactionID: "tx",
		Type:          ir.EventAssetUpdated,
		AssetID:       "gold",
		Schema:        AssetDelta,
		SchemaVersion: "1.0.0",
		Payload:       payload,
		Clock:         ir.VectorClock{"a": 1},
	}
}

func TestDefaultRegistryValidatesDelta(t *testing.T) {
	r := NewDefaultRegistry()

	require.NoError(t, r.Validate(deltaEvent(ir.Object{"amount": ir.String("-12.50"), "reason": ir.String("shop")})))

	err := r.Validate(deltaEvent(ir.Object{"amount": ir.String("12,50")}))
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Equal(t, ir.CodeInvalidEvent, ir.CodeOf(err))

	err = r.Validate(deltaEvent(ir.Object{"amount": ir.Int(12)}))
	require.Error(t, err, "amounts must be decimal strings")

	err = r.Validate(deltaEvent(ir.Object{"bogus": ir.Bool(true)}))
	require.Error(t, err, "additional properties are rejected")
}

func TestValidateRejectsWrongType(t *testing.T) {
	r := NewDefaultRegistry()
	ev := deltaEvent(ir.Object{"amount": ir.String("1")})
	ev.Type = ir.EventIdentityCreated

	err := r.Validate(ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestValidateUnknownSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Validate(deltaEvent(nil))
	require.ErrorIs(t, err, ErrUnknownSchema)
}

func TestVersionsAndResolve(t *testing.T) {
	r := NewRegistry()
	for _, v := range []string{"1.0.0", "1.2.0", "2.0.0"} {
		require.NoError(t, r.Register(Spec{Name: "inv.item", Version: v}))
	}

	latest, err := r.Latest("inv.item")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", latest.SemVer().String())

	compatible, err := r.Resolve("inv.item", "^1.0")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", compatible.SemVer().String())

	exact, err := r.Lookup("inv.item", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", exact.Version)

	err = r.Register(Spec{Name: "inv.item", Version: "1.2.0"})
	require.Error(t, err, "duplicate version")

	err = r.Register(Spec{Name: "inv.item", Version: "not-a-version"})
	require.Error(t, err)
}

func TestRegisterRejectsBadJSONSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Spec{Name: "bad", Version: "1.0.0", JSONSchema: []byte(`{"type": `)})
	require.Error(t, err)
}

func TestConflictSchema(t *testing.T) {
	r := NewDefaultRegistry()
	rec := ir.ConflictRecord{Winner: ir.EventID{Origin: "b", Seq: 1}, Loser: ir.EventID{Origin: "a", Seq: 3}, Reason: "x", Policy: "clock-sum"}
	ev := ir.Event{
		Origin: "a", Seq: 4, TransactionID: "tx", Type: ir.EventConflict, AssetID: "gold",
		Schema: ir.SchemaConflict, Payload: rec.Object(), Clock: ir.VectorClock{"a": 4, "b": 1},
	}
	require.NoError(t, r.Validate(ev))
	assert.Equal(t, []string{AssetDelta, IdentityRecord, ir.SchemaConflict, SystemNote}, r.Names())
}
