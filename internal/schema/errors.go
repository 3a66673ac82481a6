package schema

import (
	"errors"
	"fmt"

	"github.com/Misty4119/nds-api/internal/ir"
)

// ErrUnknownSchema is wrapped when a name or version is not registered.
var ErrUnknownSchema = errors.New("unknown schema")

// ValidationError reports an event that does not satisfy its schema.
type ValidationError struct {
	Schema  string
	Version string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("schema %s@%s: %v", e.Schema, e.Version, e.Err)
	}
	return fmt.Sprintf("schema %s: %v", e.Schema, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Code implements ir.Coded.
func (e *ValidationError) Code() ir.ErrorCode { return ir.CodeInvalidEvent }

// IsValidationError reports whether err is a schema validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
