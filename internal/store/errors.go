package store

import (
	"errors"
	"fmt"

	"github.com/Misty4119/nds-api/internal/ir"
)

// ErrNotFound is returned by point lookups that match nothing.
var ErrNotFound = errors.New("not found")

// SequenceGapError is returned when an appended seq is not latest+1.
// The caller must retry with the right seq or resync the origin.
type SequenceGapError struct {
	Origin   ir.OriginID
	Expected uint64
	Got      uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap for origin %s: expected seq %d, got %d", e.Origin, e.Expected, e.Got)
}

func (e *SequenceGapError) Code() ir.ErrorCode { return ir.CodeSequenceGap }

// CausalDependencyMissingError is returned when a causal parent is absent.
// Not fatal: the event can be deferred until the parent arrives.
type CausalDependencyMissingError struct {
	Event   ir.EventID
	Missing []ir.EventID
}

func (e *CausalDependencyMissingError) Error() string {
	return fmt.Sprintf("event %s: causal parents missing: %v", e.Event, e.Missing)
}

func (e *CausalDependencyMissingError) Code() ir.ErrorCode { return ir.CodeCausalDependencyMissing }

// ConflictError is returned when an existing (origin, seq) holds different
// content. The store never resolves this itself.
type ConflictError struct {
	Event        ir.EventID
	StoredHash   string
	IncomingHash string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("event %s: divergent content (stored %s, incoming %s)", e.Event, short(e.StoredHash), short(e.IncomingHash))
}

func (e *ConflictError) Code() ir.ErrorCode { return ir.CodeConflict }

// DurabilityError means an append could not be made durable. Appends for the
// origin stay halted until Resume.
type DurabilityError struct {
	Origin ir.OriginID
	Err    error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("durability failure for origin %s: %v", e.Origin, e.Err)
}

func (e *DurabilityError) Unwrap() error { return e.Err }

func (e *DurabilityError) Code() ir.ErrorCode { return ir.CodeDurabilityFailure }

// InvalidEventError wraps structural and schema validation failures.
type InvalidEventError struct {
	Event ir.EventID
	Err   error
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid event %s: %v", e.Event, e.Err)
}

func (e *InvalidEventError) Unwrap() error { return e.Err }

func (e *InvalidEventError) Code() ir.ErrorCode { return ir.CodeInvalidEvent }

// IsSequenceGap reports whether err is a SequenceGapError.
func IsSequenceGap(err error) bool {
	var e *SequenceGapError
	return errors.As(err, &e)
}

// IsCausalDependencyMissing reports whether err is a CausalDependencyMissingError.
func IsCausalDependencyMissing(err error) bool {
	var e *CausalDependencyMissingError
	return errors.As(err, &e)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsDurability reports whether err is a DurabilityError.
func IsDurability(err error) bool {
	var e *DurabilityError
	return errors.As(err, &e)
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
