package ir

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/cockroachdb/apd/v3"
)

// RequestContext carries tracing and correlation metadata of the request
// that opened a transaction. CorrelationID defaults to TraceID.
type RequestContext struct {
	TraceID       string            `json:"trace_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// IsZero reports whether no field is set.
func (c RequestContext) IsZero() bool {
	return c.TraceID == "" && c.CorrelationID == "" && len(c.Meta) == 0
}

// Normalize fills CorrelationID from TraceID and copies Meta.
func (c RequestContext) Normalize() RequestContext {
	if c.CorrelationID == "" {
		c.CorrelationID = c.TraceID
	}
	c.Meta = maps.Clone(c.Meta)
	return c
}

// RationaleRef points at evidence kept outside the ledger.
type RationaleRef struct {
	URI      string `json:"uri"`
	Hash     string `json:"hash,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Rationale explains why a transaction was made. Confidence and RiskScore
// are decimal strings in [0, 1].
type Rationale struct {
	Source         string            `json:"source"`
	Confidence     string            `json:"confidence,omitempty"`
	ThoughtPath    []string          `json:"thought_path,omitempty"`
	EvidenceEvents []EventID         `json:"evidence_events,omitempty"`
	EvidenceRefs   []RationaleRef    `json:"evidence_refs,omitempty"`
	RiskScore      string            `json:"risk_score,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// IsZero reports whether the rationale is empty.
func (r *Rationale) IsZero() bool {
	return r == nil || (r.Source == "" && r.Confidence == "" && r.RiskScore == "" &&
		len(r.ThoughtPath) == 0 && len(r.EvidenceEvents) == 0 && len(r.EvidenceRefs) == 0 && len(r.Metadata) == 0)
}

// Validate checks the source, the score ranges and the evidence refs.
func (r *Rationale) Validate() error {
	if r.Source == "" {
		return errors.New("rationale: source is required")
	}
	if err := unitScore("confidence", r.Confidence); err != nil {
		return err
	}
	if err := unitScore("risk_score", r.RiskScore); err != nil {
		return err
	}
	for _, ref := range r.EvidenceRefs {
		if ref.URI == "" {
			return errors.New("rationale: evidence ref without uri")
		}
	}
	return nil
}

// Clone returns a deep copy with evidence events in (origin, seq) order.
func (r *Rationale) Clone() *Rationale {
	if r == nil {
		return nil
	}
	out := *r
	out.ThoughtPath = slices.Clone(r.ThoughtPath)
	out.EvidenceEvents = NormalizeParents(r.EvidenceEvents)
	out.EvidenceRefs = slices.Clone(r.EvidenceRefs)
	out.Metadata = maps.Clone(r.Metadata)
	return &out
}

func unitScore(field, raw string) error {
	if raw == "" {
		return nil
	}
	d, _, err := apd.NewFromString(raw)
	if err != nil || d.Form != apd.Finite {
		return fmt.Errorf("rationale: %s %q is not a decimal", field, raw)
	}
	if d.Sign() < 0 || d.Cmp(apd.New(1, 0)) > 0 {
		return fmt.Errorf("rationale: %s %s is outside [0, 1]", field, raw)
	}
	return nil
}
