package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Misty4119/nds-api/internal/ir"
)

// eventColumns is the column list every event query selects, in scan order.
const eventColumns = `commit_idx, origin, seq, transaction_id, type, asset_id, scope,
	schema_name, schema_version, payload, clock, parents, created_at`

// encodedEvent holds the TEXT columns of an event row.
type encodedEvent struct {
	payload string
	clock   string
	parents string
	hash    string
}

func encodeEvent(ev ir.Event) (encodedEvent, error) {
	var enc encodedEvent
	payload := ev.Payload
	if payload == nil {
		payload = ir.Object{}
	}
	b, err := ir.MarshalCanonical(payload)
	if err != nil {
		return enc, fmt.Errorf("marshal payload: %w", err)
	}
	enc.payload = string(b)

	b, err = json.Marshal(ev.Clock)
	if err != nil {
		return enc, fmt.Errorf("marshal clock: %w", err)
	}
	enc.clock = string(b)

	parents := ir.NormalizeParents(ev.Parents)
	if parents == nil {
		parents = []ir.EventID{}
	}
	b, err = json.Marshal(parents)
	if err != nil {
		return enc, fmt.Errorf("marshal parents: %w", err)
	}
	enc.parents = string(b)

	enc.hash, err = ev.Hash()
	if err != nil {
		return enc, fmt.Errorf("hash event: %w", err)
	}
	return enc, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanEvent reads one row selected with eventColumns, followed by any
// extra columns.
func scanEvent(row scanner, extra ...any) (StoredEvent, error) {
	var (
		se                     StoredEvent
		origin, typ, scope     string
		seq                    int64
		payload, clock, parent string
	)
	dest := []any{&se.Index, &origin, &seq, &se.Event.TransactionID, &typ, &se.Event.AssetID,
		&scope, &se.Event.Schema, &se.Event.SchemaVersion, &payload, &clock, &parent, &se.Event.CreatedAt}
	err := row.Scan(append(dest, extra...)...)
	if err != nil {
		return se, err
	}
	se.Event.Origin = ir.OriginID(origin)
	se.Event.Seq = uint64(seq)
	se.Event.Type = ir.EventType(typ)
	se.Event.Scope = ir.AssetScope(scope)

	if err := json.Unmarshal([]byte(payload), &se.Event.Payload); err != nil {
		return se, fmt.Errorf("event %s: payload: %w", se.Event.ID(), err)
	}
	if err := json.Unmarshal([]byte(clock), &se.Event.Clock); err != nil {
		return se, fmt.Errorf("event %s: clock: %w", se.Event.ID(), err)
	}
	var parents []ir.EventID
	if err := json.Unmarshal([]byte(parent), &parents); err != nil {
		return se, fmt.Errorf("event %s: parents: %w", se.Event.ID(), err)
	}
	if len(parents) > 0 {
		se.Event.Parents = parents
	}
	return se, nil
}

// collectEvents drains rows selected with eventColumns.
func collectEvents(rows *sql.Rows) ([]StoredEvent, error) {
	defer rows.Close()
	out := []StoredEvent{}
	for rows.Next() {
		se, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
