package projection

import (
	"errors"
	"fmt"

	"github.com/Misty4119/nds-api/internal/ir"
)

// NotFoundError is returned for an unregistered projection name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("projection %q not found", e.Name)
}

func (e *NotFoundError) Code() ir.ErrorCode { return ir.CodeProjectionNotFound }

// FoldError is a failed Apply. The projection is put in StatusError until
// rebuilt.
type FoldError struct {
	Projection string
	Event      ir.EventID
	Err        error
}

func (e *FoldError) Error() string {
	return fmt.Sprintf("projection %s: fold %s: %v", e.Projection, e.Event, e.Err)
}

func (e *FoldError) Unwrap() error { return e.Err }

func (e *FoldError) Code() ir.ErrorCode { return ir.CodeReplayFailed }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsFoldError reports whether err is a FoldError.
func IsFoldError(err error) bool {
	var e *FoldError
	return errors.As(err, &e)
}
