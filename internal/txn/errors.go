package txn

import (
	"errors"
	"fmt"
	"time"

	"github.com/Misty4119/nds-api/internal/ir"
)

// PolicyDeniedError is returned by Commit when the policy collaborator
// denies the transaction. The transaction is Aborted.
type PolicyDeniedError struct {
	TransactionID string
	PolicyID      string
	Reason        string
}

func (e *PolicyDeniedError) Error() string {
	if e.PolicyID != "" {
		return fmt.Sprintf("transaction %s denied by policy %s: %s", e.TransactionID, e.PolicyID, e.Reason)
	}
	return fmt.Sprintf("transaction %s denied: %s", e.TransactionID, e.Reason)
}

// Code reports INSUFFICIENT_BALANCE for balance denials and POLICY_DENIED
// otherwise.
func (e *PolicyDeniedError) Code() ir.ErrorCode {
	if e.Reason == string(ir.CodeInsufficientBalance) {
		return ir.CodeInsufficientBalance
	}
	return ir.CodePolicyDenied
}

// TimeoutError is returned when policy validation does not answer in time.
type TimeoutError struct {
	TransactionID string
	After         time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transaction %s: policy validation timed out after %s", e.TransactionID, e.After)
}

func (e *TimeoutError) Code() ir.ErrorCode { return ir.CodeTimeout }

// NotFoundError is returned for unknown transaction ids.
type NotFoundError struct {
	TransactionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("transaction %s not found", e.TransactionID)
}

func (e *NotFoundError) Code() ir.ErrorCode { return ir.CodeTransactionNotFound }

// InvalidStateError is returned when an operation is not legal in the
// transaction's current state.
type InvalidStateError struct {
	TransactionID string
	Op            string
	Status        ir.TxStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("transaction %s: cannot %s in state %s", e.TransactionID, e.Op, e.Status)
}

func (e *InvalidStateError) Code() ir.ErrorCode { return ir.CodeInvalidState }

// AbortedError is returned by a Commit that was interrupted by Abort or by
// context cancellation before any event was appended.
type AbortedError struct {
	TransactionID string
	Reason        string
	Err           error
}

func (e *AbortedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transaction %s aborted: %s: %v", e.TransactionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("transaction %s aborted: %s", e.TransactionID, e.Reason)
}

func (e *AbortedError) Unwrap() error { return e.Err }

func (e *AbortedError) Code() ir.ErrorCode { return ir.CodeCancelled }

// DraftError is returned by Stage for a draft that fails validation. The
// transaction stays Open.
type DraftError struct {
	TransactionID string
	Err           error
}

func (e *DraftError) Error() string {
	return fmt.Sprintf("transaction %s: invalid draft: %v", e.TransactionID, e.Err)
}

func (e *DraftError) Unwrap() error { return e.Err }

func (e *DraftError) Code() ir.ErrorCode { return ir.CodeInvalidEvent }

// IsPolicyDenied reports whether err is a PolicyDeniedError.
func IsPolicyDenied(err error) bool {
	var e *PolicyDeniedError
	return errors.As(err, &e)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}

// IsAborted reports whether err is an AbortedError.
func IsAborted(err error) bool {
	var e *AbortedError
	return errors.As(err, &e)
}
