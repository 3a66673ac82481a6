package replication

import (
	"errors"
	"fmt"

	"github.com/Misty4119/nds-api/internal/ir"
)

// ErrSessionClosed is returned by Send and Recv on a closed session.
var ErrSessionClosed = errors.New("session closed")

// PeerUnreachableError means a peer could not be dialed or the session
// broke. Rounds failing this way are retried with backoff.
type PeerUnreachableError struct {
	Peer string
	Err  error
}

func (e *PeerUnreachableError) Error() string {
	return fmt.Sprintf("peer %s unreachable: %v", e.Peer, e.Err)
}

func (e *PeerUnreachableError) Unwrap() error { return e.Err }

func (e *PeerUnreachableError) Code() ir.ErrorCode { return ir.CodePeerUnreachable }

// TimeoutError means a round exceeded its deadline. The watermark is not
// advanced.
type TimeoutError struct {
	Peer string
	Op   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("sync with %s timed out during %s", e.Peer, e.Op)
}

func (e *TimeoutError) Code() ir.ErrorCode { return ir.CodeTimeout }

// RemoteError is an error reported by the other side of a session.
type RemoteError struct {
	Peer     string
	Reported ir.ErrorCode
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer %s: %s: %s", e.Peer, e.Reported, e.Message)
}

func (e *RemoteError) Code() ir.ErrorCode { return e.Reported }

// ProtocolError is an unexpected or malformed message.
type ProtocolError struct {
	Peer    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error with %s: %s", e.Peer, e.Message)
}

func (e *ProtocolError) Code() ir.ErrorCode { return ir.CodeInvalidState }

// IsPeerUnreachable reports whether err is a PeerUnreachableError.
func IsPeerUnreachable(err error) bool {
	var e *PeerUnreachableError
	return errors.As(err, &e)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// Retryable reports whether a failed round should be retried with backoff.
func Retryable(err error) bool {
	return IsPeerUnreachable(err) || IsTimeout(err)
}
