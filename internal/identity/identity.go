// Package identity is the identity collaborator: it turns an opaque caller
// token into a verified Identity.
package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/Misty4119/nds-api/internal/ir"
)

// Identity is a verified caller.
type Identity struct {
	Subject string
	// Origin is the origin this caller may write as.
	Origin ir.OriginID
	Type   ir.IdentityType
	Roles  []string
}

// Authorizes reports whether the identity may commit or sync as origin.
// SYSTEM identities may act for any origin.
func (id Identity) Authorizes(origin ir.OriginID) bool {
	return id.Type == ir.IdentitySystem || id.Origin == origin
}

// HasRole reports whether role is granted.
func (id Identity) HasRole(role string) bool {
	return slices.Contains(id.Roles, role)
}

// Verifier checks tokens.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// PermissionDeniedError is returned for missing, invalid or insufficient
// credentials.
type PermissionDeniedError struct {
	Reason string
	Err    error
}

func (e *PermissionDeniedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permission denied: %s: %v", e.Reason, e.Err)
	}
	return "permission denied: " + e.Reason
}

func (e *PermissionDeniedError) Unwrap() error { return e.Err }

func (e *PermissionDeniedError) Code() ir.ErrorCode { return ir.CodePermissionDenied }

// IsPermissionDenied reports whether err is a PermissionDeniedError.
func IsPermissionDenied(err error) bool {
	var e *PermissionDeniedError
	return errors.As(err, &e)
}

// Static maps fixed tokens to identities. For tests and single-node setups.
type Static map[string]Identity

// Verify looks the token up.
func (s Static) Verify(_ context.Context, token string) (Identity, error) {
	id, ok := s[token]
	if !ok {
		return Identity{}, &PermissionDeniedError{Reason: "unknown token"}
	}
	return id, nil
}

// Fixed returns the same identity for any token, including none.
type Fixed Identity

// Verify returns the fixed identity.
func (f Fixed) Verify(context.Context, string) (Identity, error) {
	return Identity(f), nil
}
