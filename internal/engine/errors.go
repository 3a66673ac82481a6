package engine

import (
	"errors"
	"fmt"

	"github.com/Misty4119/nds-api/internal/ir"
)

// ErrClosed is returned by a Node after Close.
var ErrClosed = errors.New("node closed")

// StartupError reports a component that could not be brought up.
type StartupError struct {
	Component string
	Err       error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Component, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Code keeps the cause's code when it has one.
func (e *StartupError) Code() ir.ErrorCode {
	var coded ir.Coded
	if errors.As(e.Err, &coded) {
		return coded.Code()
	}
	return ir.CodeServiceUnavailable
}

// IsStartupError reports whether err came from NewNode wiring.
func IsStartupError(err error) bool {
	var se *StartupError
	return errors.As(err, &se)
}

// ProjectionMismatchError is returned by VerifyProjections when replaying
// from genesis does not reproduce a live projection.
type ProjectionMismatchError struct {
	Projection string
	Live       string
	Replayed   string
}

func (e *ProjectionMismatchError) Error() string {
	return fmt.Sprintf("projection %s: live digest %s, replayed %s", e.Projection, e.Live, e.Replayed)
}

func (e *ProjectionMismatchError) Code() ir.ErrorCode { return ir.CodeReplayFailed }
