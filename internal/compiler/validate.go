package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/Misty4119/nds-api/internal/policy"
	"github.com/Misty4119/nds-api/internal/projection"
	"github.com/Misty4119/nds-api/internal/schema"
)

// Validation error codes (E100-E199)
const (
	// Schema errors (E101-E109)
	ErrSchemaNameEmpty     = "E101"
	ErrSchemaVersion       = "E102"
	ErrUnknownEventType    = "E103"
	ErrInvalidFieldType    = "E104"
	ErrDuplicateName       = "E105"
	ErrFloatTypeForbidden  = "E106"
	ErrUndeclaredRequired  = "E107"
	ErrSchemaBuiltinShadow = "E108"

	// Policy errors (E110-E119)
	ErrPolicyIDEmpty  = "E110"
	ErrPolicyType     = "E111"
	ErrPolicyExpr     = "E112"
	ErrPolicyCompiles = "E113"

	// Projection errors (E120-E129)
	ErrProjectionName = "E120"
	ErrProjectionBase = "E121"
	ErrProjectionGlob = "E122"
)

// ValidationError represents a manifest validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

var validFieldTypes = map[string]bool{
	"string": true, "int": true, "bool": true, "array": true, "object": true, "decimal": true,
}

// Validate checks a compiled manifest and returns every problem found.
func Validate(m *Manifest) []ValidationError {
	var errs []ValidationError
	errs = append(errs, validateSchemas(m)...)
	errs = append(errs, validatePolicies(m)...)
	errs = append(errs, validateProjections(m)...)
	return errs
}

// Err joins Validate's findings into one error, or nil.
func (m *Manifest) Err() error {
	verrs := Validate(m)
	if len(verrs) == 0 {
		return nil
	}
	errs := make([]error, len(verrs))
	for i, v := range verrs {
		errs[i] = v
	}
	return errors.Join(errs...)
}

func validateSchemas(m *Manifest) []ValidationError {
	var errs []ValidationError
	builtin := builtinSchemaNames()
	seen := make(map[string]bool)
	for i, s := range m.Schemas {
		at := fmt.Sprintf("schemas[%d]", i)

		// E101: name is required
		if strings.TrimSpace(s.Name) == "" {
			errs = append(errs, ValidationError{Field: at + ".name", Message: "schema name is required", Code: ErrSchemaNameEmpty})
		}
		if builtin[s.Name] {
			errs = append(errs, ValidationError{Field: at + ".name", Message: fmt.Sprintf("%q is a built-in schema", s.Name), Code: ErrSchemaBuiltinShadow})
		}

		// E102: semantic version
		v, err := semver.NewVersion(s.Version)
		if err != nil {
			errs = append(errs, ValidationError{Field: at + ".version", Message: fmt.Sprintf("invalid version %q: %v", s.Version, err), Code: ErrSchemaVersion})
		} else {
			key := s.Name + "@" + v.String()
			if seen[key] {
				errs = append(errs, ValidationError{Field: at, Message: fmt.Sprintf("duplicate schema %s", key), Code: ErrDuplicateName})
			}
			seen[key] = true
		}

		for j, t := range s.Types {
			if !t.Valid() {
				errs = append(errs, ValidationError{Field: fmt.Sprintf("%s.types[%d]", at, j), Message: fmt.Sprintf("unknown event type %q", t), Code: ErrUnknownEventType})
			}
		}

		for name, typ := range s.Fields {
			path := fmt.Sprintf("%s.fields.%s", at, name)
			switch {
			case typ == "float" || typ == "number":
				errs = append(errs, ValidationError{Field: path, Message: fmt.Sprintf("float type forbidden for field %q, use decimal", name), Code: ErrFloatTypeForbidden})
			case !validFieldTypes[typ]:
				errs = append(errs, ValidationError{Field: path, Message: fmt.Sprintf("invalid type %q for field %q", typ, name), Code: ErrInvalidFieldType})
			}
		}
		for _, req := range s.Required {
			if _, ok := s.Fields[req]; !ok {
				errs = append(errs, ValidationError{Field: at + ".required", Message: fmt.Sprintf("required field %q is not declared", req), Code: ErrUndeclaredRequired})
			}
		}
	}
	return errs
}

func builtinSchemaNames() map[string]bool {
	names := make(map[string]bool)
	for _, spec := range schema.Builtin() {
		names[spec.Name] = true
	}
	return names
}

func validatePolicies(m *Manifest) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool)
	for i, r := range m.Policies {
		at := fmt.Sprintf("policies[%d]", i)
		if strings.TrimSpace(r.ID) == "" {
			errs = append(errs, ValidationError{Field: at + ".id", Message: "policy id is required", Code: ErrPolicyIDEmpty})
			continue
		}
		if seen[r.ID] {
			errs = append(errs, ValidationError{Field: at + ".id", Message: fmt.Sprintf("duplicate policy id %q", r.ID), Code: ErrDuplicateName})
		}
		seen[r.ID] = true
		if r.Type != "" && r.Type != policy.TypeRequire && r.Type != policy.TypeForbid {
			errs = append(errs, ValidationError{Field: at + ".type", Message: fmt.Sprintf("unknown policy type %q", r.Type), Code: ErrPolicyType})
			continue
		}
		if strings.TrimSpace(r.Expr) == "" {
			errs = append(errs, ValidationError{Field: at + ".expr", Message: "policy expression is required", Code: ErrPolicyExpr})
			continue
		}
		if _, err := policy.NewCELEvaluator([]policy.Rule{r}); err != nil {
			errs = append(errs, ValidationError{Field: at + ".expr", Message: err.Error(), Code: ErrPolicyCompiles})
		}
	}
	return errs
}

func validateProjections(m *Manifest) []ValidationError {
	var errs []ValidationError
	bases := make(map[string]bool)
	for _, p := range projection.Builtins() {
		bases[p.Name()] = true
	}
	seen := make(map[string]bool)
	for i, p := range m.Projections {
		at := fmt.Sprintf("projections[%d]", i)
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, ValidationError{Field: at + ".name", Message: "projection name is required", Code: ErrProjectionName})
		} else if seen[p.Name] || bases[p.Name] {
			errs = append(errs, ValidationError{Field: at + ".name", Message: fmt.Sprintf("projection %q already exists", p.Name), Code: ErrDuplicateName})
		}
		seen[p.Name] = true
		if !bases[p.Base] {
			errs = append(errs, ValidationError{Field: at + ".base", Message: fmt.Sprintf("unknown base projection %q", p.Base), Code: ErrProjectionBase})
		}
		if len(p.Assets) > 0 {
			if _, err := projection.NewGlobFilter(p.Assets...); err != nil {
				errs = append(errs, ValidationError{Field: at + ".assets", Message: err.Error(), Code: ErrProjectionGlob})
			}
		}
	}
	return errs
}
