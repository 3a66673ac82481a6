// Package compiler turns CUE ledger manifests into schema, policy and
// projection declarations.
//
// A manifest has one top-level ledger struct:
//
//	ledger: {
//		schemas: [{name: "shop.purchase", version: "1.0.0", types: ["TRANSACTION"],
//			fields: {item: string, price: "decimal"}, required: ["item"]}]
//		policies: [{id: "cap", type: "forbid", expr: "size(events) > 100"}]
//		projections: [{name: "gold", base: "balances", assets: ["gold*"]}]
//	}
package compiler

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/policy"
	"github.com/Misty4119/nds-api/internal/projection"
	"github.com/Misty4119/nds-api/internal/schema"
)

// Manifest is a compiled ledger manifest.
type Manifest struct {
	Schemas     []SchemaSpec     `json:"schemas"`
	Policies    []policy.Rule    `json:"policies"`
	Projections []ProjectionSpec `json:"projections"`
}

// SchemaSpec declares one payload schema version. Fields maps a payload
// key to one of string, int, bool, array, object or decimal.
type SchemaSpec struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description,omitempty"`
	Types       []ir.EventType    `json:"types,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Required    []string          `json:"required,omitempty"`
	// Open allows payload keys not listed in Fields.
	Open bool `json:"open,omitempty"`
}

// ProjectionSpec declares a view over one built-in projection, optionally
// restricted to asset globs.
type ProjectionSpec struct {
	Name   string   `json:"name"`
	Base   string   `json:"base"`
	Assets []string `json:"assets,omitempty"`
}

// CompileString compiles manifest source. name is used in positions.
func CompileString(name, src string) (*Manifest, error) {
	v := cuecontext.New().CompileString(src, cue.Filename(name))
	return compileValue(v)
}

// CompileFile compiles a single .cue file.
func CompileFile(path string) (*Manifest, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return CompileString(path, string(src))
}

// CompileDir loads every .cue file of the package in dir as one instance.
func CompileDir(dir string) (*Manifest, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances in %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, formatCUEError(inst.Err)
	}
	return compileValue(cuecontext.New().BuildInstance(inst))
}

// Compile dispatches to CompileDir or CompileFile depending on path.
func Compile(path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	if info.IsDir() {
		return CompileDir(path)
	}
	return CompileFile(path)
}

func compileValue(v cue.Value) (*Manifest, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	root := v.LookupPath(cue.ParsePath("ledger"))
	if !root.Exists() {
		return nil, &CompileError{Field: "ledger", Message: "ledger is required", Pos: v.Pos()}
	}
	if err := root.Validate(cue.Concrete(false)); err != nil {
		return nil, formatCUEError(err)
	}

	m := &Manifest{}
	var err error
	if m.Schemas, err = parseSchemas(root.LookupPath(cue.ParsePath("schemas"))); err != nil {
		return nil, err
	}
	if err := decodeList(root.LookupPath(cue.ParsePath("policies")), "policies", &m.Policies); err != nil {
		return nil, err
	}
	if err := decodeList(root.LookupPath(cue.ParsePath("projections")), "projections", &m.Projections); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeList[T any](v cue.Value, field string, out *[]T) error {
	if !v.Exists() {
		return nil
	}
	it, err := v.List()
	if err != nil {
		return &CompileError{Field: field, Message: "must be a list", Pos: v.Pos()}
	}
	for i := 0; it.Next(); i++ {
		var item T
		if err := it.Value().Decode(&item); err != nil {
			return &CompileError{Field: fmt.Sprintf("%s[%d]", field, i), Message: err.Error(), Pos: it.Value().Pos()}
		}
		*out = append(*out, item)
	}
	return nil
}

func parseSchemas(v cue.Value) ([]SchemaSpec, error) {
	if !v.Exists() {
		return nil, nil
	}
	it, err := v.List()
	if err != nil {
		return nil, &CompileError{Field: "schemas", Message: "must be a list", Pos: v.Pos()}
	}
	var out []SchemaSpec
	for i := 0; it.Next(); i++ {
		sv := it.Value()
		field := fmt.Sprintf("schemas[%d]", i)

		var spec SchemaSpec
		var err error
		if spec.Name, err = optionalString(sv, "name"); err != nil {
			return nil, err
		}
		if spec.Version, err = optionalString(sv, "version"); err != nil {
			return nil, err
		}
		if spec.Description, err = optionalString(sv, "description"); err != nil {
			return nil, err
		}
		if err := decodeList(sv.LookupPath(cue.ParsePath("types")), field+".types", &spec.Types); err != nil {
			return nil, err
		}
		if err := decodeList(sv.LookupPath(cue.ParsePath("required")), field+".required", &spec.Required); err != nil {
			return nil, err
		}
		if ov := sv.LookupPath(cue.ParsePath("open")); ov.Exists() {
			if spec.Open, err = ov.Bool(); err != nil {
				return nil, formatCUEError(err)
			}
		}

		fv := sv.LookupPath(cue.ParsePath("fields"))
		if fv.Exists() {
			fields, err := fv.Fields(cue.Optional(true))
			if err != nil {
				return nil, formatCUEError(err)
			}
			spec.Fields = make(map[string]string)
			for fields.Next() {
				typ, err := fieldType(fields.Value())
				if err != nil {
					return nil, err
				}
				spec.Fields[fields.Label()] = typ
			}
		}
		out = append(out, spec)
	}
	return out, nil
}

func optionalString(v cue.Value, path string) (string, error) {
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return "", nil
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// fieldType accepts either a type name as a string ("decimal") or a CUE
// type (string, int, bool, [...], {...}).
func fieldType(v cue.Value) (string, error) {
	if s, err := v.String(); err == nil {
		return s, nil
	}
	switch v.IncompleteKind() {
	case cue.StringKind:
		return "string", nil
	case cue.IntKind:
		return "int", nil
	case cue.BoolKind:
		return "bool", nil
	case cue.ListKind:
		return "array", nil
	case cue.StructKind:
		return "object", nil
	case cue.FloatKind, cue.NumberKind:
		return "", &CompileError{
			Field:   "type",
			Message: "float types are forbidden, use decimal",
			Pos:     v.Pos(),
		}
	default:
		return "", &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// JSONSchema renders the payload schema the registry validates with.
func (s SchemaSpec) JSONSchema() ([]byte, error) {
	props := make(map[string]any, len(s.Fields))
	for name, typ := range s.Fields {
		switch typ {
		case "int":
			props[name] = map[string]any{"type": "integer"}
		case "bool":
			props[name] = map[string]any{"type": "boolean"}
		case "decimal":
			props[name] = map[string]any{"type": "string", "pattern": schema.DecimalPattern}
		default:
			props[name] = map[string]any{"type": typ}
		}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": s.Open,
	}
	if len(s.Required) > 0 {
		req := slices.Clone(s.Required)
		slices.Sort(req)
		doc["required"] = req
	}
	return json.Marshal(doc)
}

// Registry returns the built-in schemas plus the manifest's.
func (m *Manifest) Registry() (*schema.Registry, error) {
	r := schema.NewDefaultRegistry()
	for _, s := range m.Schemas {
		raw, err := s.JSONSchema()
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", s.Name, err)
		}
		err = r.Register(schema.Spec{
			Name:        s.Name,
			Version:     s.Version,
			Types:       s.Types,
			Description: s.Description,
			JSONSchema:  raw,
		})
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Rules returns the manifest's policy rules.
func (m *Manifest) Rules() []policy.Rule {
	return slices.Clone(m.Policies)
}

// BuildProjections instantiates the declared views.
func (m *Manifest) BuildProjections() ([]projection.Projection, error) {
	bases := map[string]projection.Projection{}
	for _, p := range projection.Builtins() {
		bases[p.Name()] = p
	}
	out := make([]projection.Projection, 0, len(m.Projections))
	for _, spec := range m.Projections {
		base, ok := bases[spec.Base]
		if !ok {
			return nil, fmt.Errorf("projection %s: unknown base %q", spec.Name, spec.Base)
		}
		p := base
		if len(spec.Assets) > 0 {
			f, err := projection.NewGlobFilter(spec.Assets...)
			if err != nil {
				return nil, fmt.Errorf("projection %s: %w", spec.Name, err)
			}
			p = projection.Filtered(p, f)
		}
		out = append(out, projection.Named(spec.Name, p))
	}
	return out, nil
}

// CompileError is a manifest error with its source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError keeps the first CUE error that carries a position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
