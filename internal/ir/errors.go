package ir

import (
	"context"
	"errors"
)

// ErrorCode is the stable, wire-visible classification of a ledger error.
type ErrorCode string

const (
	CodeSequenceGap             ErrorCode = "SEQUENCE_GAP"
	CodeCausalDependencyMissing ErrorCode = "CAUSAL_DEPENDENCY_MISSING"
	CodeConflict                ErrorCode = "TRANSACTION_CONFLICT"
	CodePolicyDenied            ErrorCode = "POLICY_DENIED"
	CodePermissionDenied        ErrorCode = "PERMISSION_DENIED"
	CodePeerUnreachable         ErrorCode = "PEER_UNREACHABLE"
	CodeTimeout                 ErrorCode = "TRANSACTION_TIMEOUT"
	CodeDurabilityFailure       ErrorCode = "DURABILITY_FAILURE"
	CodeInvalidEvent            ErrorCode = "INVALID_EVENT"
	CodeAssetNotFound           ErrorCode = "ASSET_NOT_FOUND"
	CodeInsufficientBalance     ErrorCode = "INSUFFICIENT_BALANCE"
	CodeReplayFailed            ErrorCode = "REPLAY_FAILED"
	CodeProjectionNotFound      ErrorCode = "PROJECTION_NOT_FOUND"
	CodeServiceUnavailable      ErrorCode = "SERVICE_UNAVAILABLE"
	CodeCancelled               ErrorCode = "OPERATION_CANCELLED"
	CodeTransactionNotFound     ErrorCode = "TRANSACTION_NOT_FOUND"
	CodeInvalidState            ErrorCode = "INVALID_STATE"
	CodeUnknown                 ErrorCode = "UNKNOWN"
)

// Coded is implemented by every typed ledger error.
type Coded interface {
	error
	Code() ErrorCode
}

// CodeOf returns the code of the first Coded error in err's chain.
// Context cancellation and deadline errors map to their own codes.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}
	return CodeUnknown
}
