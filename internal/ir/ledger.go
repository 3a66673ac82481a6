package ir

import (
	"fmt"
)

// TxStatus is the coordinator state of a transaction.
// Open and Validating together are the "Pending" status.
type TxStatus string

const (
	TxOpen       TxStatus = "OPEN"
	TxValidating TxStatus = "VALIDATING"
	TxCommitted  TxStatus = "COMMITTED"
	TxAborted    TxStatus = "ABORTED"
)

// Pending reports whether the transaction has not reached a terminal state.
func (s TxStatus) Pending() bool {
	return s == TxOpen || s == TxValidating
}

// IdentityType classifies the caller behind an origin token.
type IdentityType string

const (
	IdentityPlayer   IdentityType = "PLAYER"
	IdentitySystem   IdentityType = "SYSTEM"
	IdentityAI       IdentityType = "AI"
	IdentityExternal IdentityType = "EXTERNAL"
	IdentityUnknown  IdentityType = "UNKNOWN"
)

// Watermark records, for one peer, the highest seq per origin that has been
// durably applied locally and acknowledged.
type Watermark struct {
	Peer  string      `json:"peer"`
	Acked VectorClock `json:"acked"`
}

// NewWatermark returns an empty watermark for peer.
func NewWatermark(peer string) Watermark {
	return Watermark{Peer: peer, Acked: VectorClock{}}
}

// SchemaConflict is the schema name of compensating conflict events.
const SchemaConflict = "ledger.conflict"

// ConflictRecord is the payload of a CONFLICT event: the loser's effect is
// compensated in projections, both events stay in the log.
type ConflictRecord struct {
	Winner EventID
	Loser  EventID
	Reason string
	Policy string
	// Compensate is the loser's payload, so folds can reverse its effect
	// without looking anything up.
	Compensate Object
}

// Object renders the record as an event payload.
func (c ConflictRecord) Object() Object {
	obj := Object{
		"winner": String(c.Winner.String()),
		"loser":  String(c.Loser.String()),
		"reason": String(c.Reason),
		"policy": String(c.Policy),
	}
	if c.Compensate != nil {
		obj["compensate"] = c.Compensate.Clone()
	}
	return obj
}

// ParseConflictRecord reads a CONFLICT event payload.
func ParseConflictRecord(payload Object) (ConflictRecord, error) {
	var rec ConflictRecord
	winner, ok := payload.String("winner")
	if !ok {
		return rec, fmt.Errorf("conflict payload: winner missing")
	}
	loser, ok := payload.String("loser")
	if !ok {
		return rec, fmt.Errorf("conflict payload: loser missing")
	}
	var err error
	if rec.Winner, err = ParseEventID(winner); err != nil {
		return rec, err
	}
	if rec.Loser, err = ParseEventID(loser); err != nil {
		return rec, err
	}
	rec.Reason, _ = payload.String("reason")
	rec.Policy, _ = payload.String("policy")
	rec.Compensate, _ = payload.Object("compensate")
	return rec, nil
}
