package schema

import (
	"github.com/Misty4119/nds-api/internal/ir"
)

// Built-in schema names.
const (
	AssetDelta     = "asset.delta"
	IdentityRecord = "identity.record"
	SystemNote     = "system.note"
)

// DecimalPattern matches the exact decimal strings used for amounts.
const DecimalPattern = `^-?(0|[1-9][0-9]*)(\.[0-9]+)?$`

const assetDeltaSchema = `{
  "type": "object",
  "properties": {
    "amount":   {"type": "string", "pattern": "^-?(0|[1-9][0-9]*)(\\.[0-9]+)?$"},
    "currency": {"type": "string", "minLength": 1},
    "source":   {"type": "string"},
    "target":   {"type": "string"},
    "reason":   {"type": "string"},
    "fields":   {"type": "object"}
  },
  "additionalProperties": false
}`

const conflictSchema = `{
  "type": "object",
  "required": ["winner", "loser"],
  "properties": {
    "winner": {"type": "string", "pattern": ":[0-9]+$"},
    "loser":  {"type": "string", "pattern": ":[0-9]+$"},
    "reason": {"type": "string"},
    "policy": {"type": "string"},
    "compensate": {"type": "object"}
  },
  "additionalProperties": false
}`

const identitySchema = `{
  "type": "object",
  "required": ["subject"],
  "properties": {
    "subject":       {"type": "string", "minLength": 1},
    "identity_type": {"enum": ["PLAYER", "SYSTEM", "AI", "EXTERNAL", "UNKNOWN"]},
    "roles":         {"type": "array", "items": {"type": "string"}},
    "metadata":      {"type": "object"}
  }
}`

// Builtin returns the schemas every node understands. ledger.conflict is
// required by the conflict resolver; the others cover the common event types.
func Builtin() []Spec {
	return []Spec{
		{
			Name:        ir.SchemaConflict,
			Version:     "1.0.0",
			Types:       []ir.EventType{ir.EventConflict},
			Description: "compensation marker for the losing side of a concurrent update",
			JSONSchema:  []byte(conflictSchema),
		},
		{
			Name:        AssetDelta,
			Version:     "1.0.0",
			Types:       []ir.EventType{ir.EventTransaction, ir.EventAssetCreated, ir.EventAssetUpdated, ir.EventAssetDeleted},
			Description: "exact-decimal balance delta and/or attribute update for one asset",
			JSONSchema:  []byte(assetDeltaSchema),
		},
		{
			Name:        IdentityRecord,
			Version:     "1.0.0",
			Types:       []ir.EventType{ir.EventIdentityCreated, ir.EventIdentityUpdated},
			Description: "identity registration or update",
			JSONSchema:  []byte(identitySchema),
		},
		{
			Name:        SystemNote,
			Version:     "1.0.0",
			Types:       []ir.EventType{ir.EventSystem, ir.EventCustom},
			Description: "free-form system or custom event",
		},
	}
}
