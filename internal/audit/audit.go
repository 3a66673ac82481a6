// Package audit is the audit collaborator. Every committed transaction is
// reported once, best-effort: a failing sink is logged and never affects
// the commit.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Misty4119/nds-api/internal/ir"
)

// Record is the audit notification for one committed transaction.
type Record struct {
	ID            string       `json:"id"`
	TransactionID string       `json:"transaction_id"`
	Origin        ir.OriginID  `json:"origin"`
	Subject       string       `json:"subject,omitempty"`
	Events        []ir.EventID `json:"events"`
	Assets        []string     `json:"assets"`
	Timestamp     time.Time    `json:"timestamp"`
	// Request and Rationale are covered by the digest.
	Request   *ir.RequestContext `json:"request,omitempty"`
	Rationale *ir.Rationale      `json:"rationale,omitempty"`
	Digest    string             `json:"digest,omitempty"`
}

// RecordOption adds optional context to a record.
type RecordOption func(*Record)

// WithRequestContext attaches the trace and correlation ids of the
// request. A zero context is omitted.
func WithRequestContext(rc ir.RequestContext) RecordOption {
	return func(r *Record) {
		if !rc.IsZero() {
			rc = rc.Normalize()
			r.Request = &rc
		}
	}
}

// WithRationale attaches why the transaction was made. nil is omitted.
func WithRationale(rat *ir.Rationale) RecordOption {
	return func(r *Record) {
		if !rat.IsZero() {
			r.Rationale = rat.Clone()
		}
	}
}

// NewRecord builds a record for events and computes its digest.
func NewRecord(id, txID string, origin ir.OriginID, subject string, events []ir.Event, ts time.Time, opts ...RecordOption) (Record, error) {
	rec := Record{
		ID:            id,
		TransactionID: txID,
		Origin:        origin,
		Subject:       subject,
		Events:        make([]ir.EventID, 0, len(events)),
		Assets:        []string{},
		Timestamp:     ts.UTC(),
	}
	for _, ev := range events {
		rec.Events = append(rec.Events, ev.ID())
		if ev.AssetID != "" && !slices.Contains(rec.Assets, ev.AssetID) {
			rec.Assets = append(rec.Assets, ev.AssetID)
		}
	}
	slices.Sort(rec.Assets)
	for _, opt := range opts {
		opt(&rec)
	}

	digest, err := rec.ComputeDigest()
	if err != nil {
		return rec, err
	}
	rec.Digest = digest
	return rec, nil
}

// ComputeDigest hashes the RFC 8785 canonical form of the record without
// its digest field.
func (r Record) ComputeDigest() (string, error) {
	r.Digest = ""
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("audit digest: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit digest: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Notifier receives commit notifications. Notify must not block the
// committer for long and has no error path by contract.
type Notifier interface {
	Notify(ctx context.Context, rec Record)
}

// Sink persists or forwards records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

// Write calls f.
func (f SinkFunc) Write(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

// Write delivers rec to all sinks even if some fail.
func (m MultiSink) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("audit sinks: %v", errs)
	}
	return nil
}

// Discard drops every notification.
type Discard struct{}

// Notify does nothing.
func (Discard) Notify(context.Context, Record) {}
