package ir

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// OriginID identifies a participant that produces its own event sequence.
type OriginID string

// EventID is the identity of an event: (origin, seq).
type EventID struct {
	Origin OriginID `json:"origin"`
	Seq    uint64   `json:"seq"`
}

// String renders "origin:seq".
func (id EventID) String() string {
	return string(id.Origin) + ":" + strconv.FormatUint(id.Seq, 10)
}

// MarshalText implements encoding.TextMarshaler so EventIDs can be map keys.
func (id EventID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *EventID) UnmarshalText(b []byte) error {
	parsed, err := ParseEventID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseEventID parses "origin:seq". The origin may itself contain colons.
func ParseEventID(s string) (EventID, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return EventID{}, fmt.Errorf("invalid event id %q: want origin:seq", s)
	}
	seq, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("invalid event id %q: %w", s, err)
	}
	return EventID{Origin: OriginID(s[:idx]), Seq: seq}, nil
}

// CompareEventIDs orders by (origin, seq). This is the tie-break used by
// every deterministic ordering in the ledger.
func CompareEventIDs(a, b EventID) int {
	if c := cmp.Compare(a.Origin, b.Origin); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// NormalizeParents sorts and de-duplicates a parent set.
func NormalizeParents(parents []EventID) []EventID {
	if len(parents) == 0 {
		return nil
	}
	out := slices.Clone(parents)
	slices.SortFunc(out, CompareEventIDs)
	return slices.Compact(out)
}

// EventType classifies what an event does to an asset or identity.
type EventType string

const (
	EventTransaction     EventType = "TRANSACTION"
	EventAssetCreated    EventType = "ASSET_CREATED"
	EventAssetUpdated    EventType = "ASSET_UPDATED"
	EventAssetDeleted    EventType = "ASSET_DELETED"
	EventIdentityCreated EventType = "IDENTITY_CREATED"
	EventIdentityUpdated EventType = "IDENTITY_UPDATED"
	EventSystem          EventType = "SYSTEM"
	EventConflict        EventType = "CONFLICT"
	EventCustom          EventType = "CUSTOM"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventTransaction, EventAssetCreated, EventAssetUpdated, EventAssetDeleted,
		EventIdentityCreated, EventIdentityUpdated, EventSystem, EventConflict, EventCustom:
		return true
	}
	return false
}

// AssetScope says who an asset belongs to.
type AssetScope string

const (
	ScopePlayer  AssetScope = "PLAYER"
	ScopeServer  AssetScope = "SERVER"
	ScopeGlobal  AssetScope = "GLOBAL"
	ScopeUnknown AssetScope = "UNKNOWN"
)

// ConsistencyMode is requested per transaction. STRONG transactions are
// validated against projected state before commit; EVENTUAL and OPTIMISTIC
// rely on the conflict resolver after sync.
type ConsistencyMode string

const (
	ModeStrong     ConsistencyMode = "STRONG"
	ModeEventual   ConsistencyMode = "EVENTUAL"
	ModeOptimistic ConsistencyMode = "OPTIMISTIC"
)

// Event is an immutable ledger record.
type Event struct {
	Origin        OriginID    `json:"origin"`
	Seq           uint64      `json:"seq"`
	TransactionID string      `json:"transaction_id"`
	Type          EventType   `json:"type"`
	AssetID       string      `json:"asset_id,omitempty"`
	Scope         AssetScope  `json:"scope,omitempty"`
	Schema        string      `json:"schema"`
	SchemaVersion string      `json:"schema_version"`
	Payload       Object      `json:"payload"`
	Clock         VectorClock `json:"clock"`
	Parents       []EventID   `json:"parents,omitempty"`
	CreatedAt     int64       `json:"created_at"`
}

// ID returns the event's identity.
func (e Event) ID() EventID {
	return EventID{Origin: e.Origin, Seq: e.Seq}
}

// Hash returns the content hash. See EventHash.
func (e Event) Hash() (string, error) {
	return EventHash(e)
}

// TouchesAsset reports whether the event mutates asset state and therefore
// takes part in conflict detection.
func (e Event) TouchesAsset() bool {
	if e.AssetID == "" {
		return false
	}
	switch e.Type {
	case EventTransaction, EventAssetCreated, EventAssetUpdated, EventAssetDeleted:
		return true
	}
	return false
}

// Validate checks structural invariants that do not need the store.
func (e Event) Validate() error {
	if e.Origin == "" {
		return fmt.Errorf("event: origin is required")
	}
	if e.Seq == 0 {
		return fmt.Errorf("event %s: seq starts at 1", e.ID())
	}
	if e.TransactionID == "" {
		return fmt.Errorf("event %s: transaction_id is required", e.ID())
	}
	if !e.Type.Valid() {
		return fmt.Errorf("event %s: unknown type %q", e.ID(), e.Type)
	}
	if e.Schema == "" {
		return fmt.Errorf("event %s: schema is required", e.ID())
	}
	if got := e.Clock.Get(e.Origin); got != e.Seq {
		return fmt.Errorf("event %s: clock[%s]=%d, want %d", e.ID(), e.Origin, got, e.Seq)
	}
	for _, p := range e.Parents {
		if p.Origin == e.Origin && p.Seq >= e.Seq {
			return fmt.Errorf("event %s: parent %s does not precede it", e.ID(), p)
		}
		if e.Clock.Get(p.Origin) < p.Seq {
			return fmt.Errorf("event %s: parent %s is not covered by its clock", e.ID(), p)
		}
	}
	return nil
}

func (e Event) canonicalObject() Object {
	payload := e.Payload
	if payload == nil {
		payload = Object{}
	}
	parents := make(Array, 0, len(e.Parents))
	for _, p := range NormalizeParents(e.Parents) {
		parents = append(parents, String(p.String()))
	}
	return Object{
		"asset_id":       String(e.AssetID),
		"clock":          e.Clock.canonicalObject(),
		"created_at":     Int(e.CreatedAt),
		"encoding":       String(EncodingVersion),
		"origin":         String(e.Origin),
		"parents":        parents,
		"payload":        payload,
		"schema":         String(e.Schema),
		"schema_version": String(e.SchemaVersion),
		"scope":          String(e.Scope),
		"seq":            Int(int64(e.Seq)),
		"transaction_id": String(e.TransactionID),
		"type":           String(e.Type),
	}
}

// SortEvents orders events by (origin, seq) in place.
func SortEvents(events []Event) {
	slices.SortFunc(events, func(a, b Event) int {
		return CompareEventIDs(a.ID(), b.ID())
	})
}
