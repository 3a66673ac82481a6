package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/policy"
)

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		m    Manifest
		want []string
	}{
		{
			name: "empty manifest",
			m:    Manifest{},
		},
		{
			name: "schema without name",
			m:    Manifest{Schemas: []SchemaSpec{{Version: "1.0.0"}}},
			want: []string{ErrSchemaNameEmpty},
		},
		{
			name: "bad version",
			m:    Manifest{Schemas: []SchemaSpec{{Name: "x", Version: "one"}}},
			want: []string{ErrSchemaVersion},
		},
		{
			name: "duplicate schema version",
			m:    Manifest{Schemas: []SchemaSpec{{Name: "x", Version: "1.0.0"}, {Name: "x", Version: "1.0"}}},
			want: []string{ErrDuplicateName},
		},
		{
			name: "shadows built-in",
			m:    Manifest{Schemas: []SchemaSpec{{Name: ir.SchemaConflict, Version: "9.0.0"}}},
			want: []string{ErrSchemaBuiltinShadow},
		},
		{
			name: "unknown event type",
			m:    Manifest{Schemas: []SchemaSpec{{Name: "x", Version: "1.0.0", Types: []ir.EventType{"PURCHASE"}}}},
			want: []string{ErrUnknownEventType},
		},
		{
			name: "float field",
			m:    Manifest{Schemas: []SchemaSpec{{Name: "x", Version: "1.0.0", Fields: map[string]string{"r": "float"}}}},
			want: []string{ErrFloatTypeForbidden},
		},
		{
			name: "unknown field type",
			m:    Manifest{Schemas: []SchemaSpec{{Name: "x", Version: "1.0.0", Fields: map[string]string{"r": "date"}}}},
			want: []string{ErrInvalidFieldType},
		},
		{
			name: "undeclared required",
			m:    Manifest{Schemas: []SchemaSpec{{Name: "x", Version: "1.0.0", Required: []string{"a"}}}},
			want: []string{ErrUndeclaredRequired},
		},
		{
			name: "policy without id",
			m:    Manifest{Policies: []policy.Rule{{Expr: "true"}}},
			want: []string{ErrPolicyIDEmpty},
		},
		{
			name: "duplicate policy",
			m:    Manifest{Policies: []policy.Rule{{ID: "a", Expr: "true"}, {ID: "a", Expr: "false"}}},
			want: []string{ErrDuplicateName},
		},
		{
			name: "policy type",
			m:    Manifest{Policies: []policy.Rule{{ID: "a", Type: "maybe", Expr: "true"}}},
			want: []string{ErrPolicyType},
		},
		{
			name: "empty expression",
			m:    Manifest{Policies: []policy.Rule{{ID: "a"}}},
			want: []string{ErrPolicyExpr},
		},
		{
			name: "expression does not compile",
			m:    Manifest{Policies: []policy.Rule{{ID: "a", Expr: "tx.("}}},
			want: []string{ErrPolicyCompiles},
		},
		{
			name: "projection clashes with built-in",
			m:    Manifest{Projections: []ProjectionSpec{{Name: "balances", Base: "balances"}}},
			want: []string{ErrDuplicateName},
		},
		{
			name: "projection base",
			m:    Manifest{Projections: []ProjectionSpec{{Name: "v", Base: "ledger"}}},
			want: []string{ErrProjectionBase},
		},
		{
			name: "projection without name",
			m:    Manifest{Projections: []ProjectionSpec{{Base: "assets"}}},
			want: []string{ErrProjectionName},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Validate(&tt.m)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				assert.NoError(t, tt.m.Err())
				return
			}
			assert.Equal(t, tt.want, codes(got))
			assert.Error(t, tt.m.Err())
		})
	}
}

func TestValidationError_Format(t *testing.T) {
	err := ValidationError{Field: "schemas[0].name", Message: "schema name is required", Code: ErrSchemaNameEmpty}
	assert.Equal(t, "[E101] schemas[0].name: schema name is required", err.Error())
}
