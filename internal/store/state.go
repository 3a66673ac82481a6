package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Misty4119/nds-api/internal/ir"
)

// LoadWatermark returns the inbound watermark for peer. Unknown peers get an
// empty watermark.
func (s *Store) LoadWatermark(ctx context.Context, peer string) (ir.Watermark, error) {
	acked, err := s.loadProgress(ctx, "watermarks", peer)
	if err != nil {
		return ir.Watermark{}, fmt.Errorf("load watermark %s: %w", peer, err)
	}
	return ir.Watermark{Peer: peer, Acked: acked}, nil
}

// SaveWatermark persists wm. Components never move backwards: a lower value
// than the stored one is ignored.
func (s *Store) SaveWatermark(ctx context.Context, wm ir.Watermark) error {
	if err := s.saveProgress(ctx, "watermarks", wm.Peer, wm.Acked); err != nil {
		return fmt.Errorf("save watermark %s: %w", wm.Peer, err)
	}
	return nil
}

// RecordPeerAck stores what peer has acknowledged of our events.
func (s *Store) RecordPeerAck(ctx context.Context, peer string, acked ir.VectorClock) error {
	if err := s.saveProgress(ctx, "peer_acks", peer, acked); err != nil {
		return fmt.Errorf("record peer ack %s: %w", peer, err)
	}
	return nil
}

// PeerAck returns what peer has acknowledged so far.
func (s *Store) PeerAck(ctx context.Context, peer string) (ir.VectorClock, error) {
	acked, err := s.loadProgress(ctx, "peer_acks", peer)
	if err != nil {
		return nil, fmt.Errorf("peer ack %s: %w", peer, err)
	}
	return acked, nil
}

// table is one of the two fixed progress tables, never caller input.
func (s *Store) loadProgress(ctx context.Context, table, peer string) (ir.VectorClock, error) {
	rows, err := s.rdb.QueryContext(ctx, `SELECT origin, acked_seq FROM `+table+` WHERE peer = ?`, peer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	acked := ir.VectorClock{}
	for rows.Next() {
		var origin string
		var seq int64
		if err := rows.Scan(&origin, &seq); err != nil {
			return nil, err
		}
		acked[ir.OriginID(origin)] = uint64(seq)
	}
	return acked, rows.Err()
}

func (s *Store) saveProgress(ctx context.Context, table, peer string, acked ir.VectorClock) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.ts()
	for _, origin := range acked.Origins() {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO `+table+` (peer, origin, acked_seq, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(peer, origin) DO UPDATE SET
				acked_seq = MAX(acked_seq, excluded.acked_seq),
				updated_at = excluded.updated_at
		`, peer, string(origin), int64(acked[origin]), now)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Conflict is one resolved concurrent pair. Marker is the CONFLICT event that
// records the resolution.
type Conflict struct {
	Loser   ir.EventID
	Winner  ir.EventID
	AssetID string
	Policy  string
	Reason  string
	Marker  ir.EventID
}

// RecordConflict stores c unless the pair is already known. It reports
// whether a new row was written.
func (s *Store) RecordConflict(ctx context.Context, c Conflict) (bool, error) {
	inserted, err := insertConflict(ctx, s.db, c)
	if err != nil {
		return false, fmt.Errorf("record conflict: %w", err)
	}
	return inserted, nil
}

// HasConflict reports whether the (loser, winner) pair has been resolved.
func (s *Store) HasConflict(ctx context.Context, loser, winner ir.EventID) (bool, error) {
	var one int
	err := s.rdb.QueryRowContext(ctx, `
		SELECT 1 FROM conflicts WHERE loser = ? AND winner = ?
	`, loser.String(), winner.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has conflict: %w", err)
	}
	return true, nil
}

// Compensated reports whether a CONFLICT marker already reverses loser.
func (s *Store) Compensated(ctx context.Context, loser ir.EventID) (bool, error) {
	var one int
	err := s.rdb.QueryRowContext(ctx, `
		SELECT 1 FROM conflicts WHERE loser = ? AND marker != '' LIMIT 1
	`, loser.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compensated %s: %w", loser, err)
	}
	return true, nil
}

// Conflicts lists resolved pairs for asset, or for every asset when asset
// is empty.
func (s *Store) Conflicts(ctx context.Context, asset string) ([]Conflict, error) {
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT loser, winner, asset_id, policy, reason, marker
		FROM conflicts
		WHERE ? = '' OR asset_id = ?
		ORDER BY asset_id, loser, winner
	`, asset, asset)
	if err != nil {
		return nil, fmt.Errorf("conflicts: %w", err)
	}
	defer rows.Close()

	out := []Conflict{}
	for rows.Next() {
		var c Conflict
		var loser, winner, marker string
		if err := rows.Scan(&loser, &winner, &c.AssetID, &c.Policy, &c.Reason, &marker); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		if c.Loser, err = ir.ParseEventID(loser); err != nil {
			return nil, err
		}
		if c.Winner, err = ir.ParseEventID(winner); err != nil {
			return nil, err
		}
		if marker != "" {
			if c.Marker, err = ir.ParseEventID(marker); err != nil {
				return nil, err
			}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return out, nil
}

func insertConflict(ctx context.Context, q querier, c Conflict) (bool, error) {
	marker := ""
	if c.Marker.Origin != "" {
		marker = c.Marker.String()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO conflicts (loser, winner, asset_id, policy, reason, marker)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(loser, winner) DO NOTHING
	`, c.Loser.String(), c.Winner.String(), c.AssetID, c.Policy, c.Reason, marker)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Checkpoint is the persisted cache of one projection.
type Checkpoint struct {
	Name      string
	Version   int
	Cursor    int64
	Folded    ir.VectorClock
	State     ir.Object
	Digest    string
	Status    string
	UpdatedAt int64
}

// SaveCheckpoint upserts a projection checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	folded, err := json.Marshal(cp.Folded)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Name, err)
	}
	state := cp.State
	if state == nil {
		state = ir.Object{}
	}
	stateJSON, err := ir.MarshalCanonical(state)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (name, version, cursor, folded, state, digest, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			version = excluded.version,
			cursor = excluded.cursor,
			folded = excluded.folded,
			state = excluded.state,
			digest = excluded.digest,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, cp.Name, cp.Version, cp.Cursor, string(folded), string(stateJSON), cp.Digest, cp.Status, s.ts())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Name, err)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint for name, wrapping ErrNotFound.
func (s *Store) LoadCheckpoint(ctx context.Context, name string) (Checkpoint, error) {
	var (
		cp            Checkpoint
		folded, state string
	)
	err := s.rdb.QueryRowContext(ctx, `
		SELECT name, version, cursor, folded, state, digest, status, updated_at
		FROM projection_checkpoints WHERE name = ?
	`, name).Scan(&cp.Name, &cp.Version, &cp.Cursor, &folded, &state, &cp.Digest, &cp.Status, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, fmt.Errorf("checkpoint %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return cp, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(folded), &cp.Folded); err != nil {
		return cp, fmt.Errorf("load checkpoint %s: folded: %w", name, err)
	}
	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return cp, fmt.Errorf("load checkpoint %s: state: %w", name, err)
	}
	if cp.Folded == nil {
		cp.Folded = ir.VectorClock{}
	}
	return cp, nil
}

// DeleteCheckpoint drops a checkpoint, forcing a rebuild on next load.
func (s *Store) DeleteCheckpoint(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projection_checkpoints WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", name, err)
	}
	return nil
}

// RecordTransaction stores rec if its id is new. Local commits record it
// inside the append through WithTxRecord instead.
func (s *Store) RecordTransaction(ctx context.Context, rec TxRecord) error {
	if err := insertTransaction(ctx, s.db, rec); err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	return nil
}

// Transaction returns the ledger row for id, wrapping ErrNotFound.
func (s *Store) Transaction(ctx context.Context, id string) (TxRecord, error) {
	var (
		rec                   TxRecord
		origin, mode          string
		first, last           int64
		policyContext         string
		request, rationaleRaw string
	)
	err := s.rdb.QueryRowContext(ctx, `
		SELECT id, origin, first_seq, last_seq, event_count, mode, subject, policy_context,
		       request_context, rationale, committed_at
		FROM transactions WHERE id = ?
	`, id).Scan(&rec.ID, &origin, &first, &last, &rec.EventCount, &mode, &rec.Subject, &policyContext,
		&request, &rationaleRaw, &rec.CommittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return rec, fmt.Errorf("transaction %s: %w", id, err)
	}
	rec.Origin = ir.OriginID(origin)
	rec.Mode = ir.ConsistencyMode(mode)
	rec.FirstSeq = uint64(first)
	rec.LastSeq = uint64(last)
	if err := json.Unmarshal([]byte(policyContext), &rec.PolicyContext); err != nil {
		return rec, fmt.Errorf("transaction %s: policy context: %w", id, err)
	}
	if err := json.Unmarshal([]byte(request), &rec.Request); err != nil {
		return rec, fmt.Errorf("transaction %s: request context: %w", id, err)
	}
	if rationaleRaw != "" {
		rec.Rationale = new(ir.Rationale)
		if err := json.Unmarshal([]byte(rationaleRaw), rec.Rationale); err != nil {
			return rec, fmt.Errorf("transaction %s: rationale: %w", id, err)
		}
	}
	return rec, nil
}

func insertTransaction(ctx context.Context, q querier, rec TxRecord) error {
	pc := rec.PolicyContext
	if pc == nil {
		pc = ir.Object{}
	}
	pcJSON, err := ir.MarshalCanonical(pc)
	if err != nil {
		return fmt.Errorf("marshal policy context: %w", err)
	}
	reqJSON, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("marshal request context: %w", err)
	}
	var rationale string
	if !rec.Rationale.IsZero() {
		raw, err := json.Marshal(rec.Rationale)
		if err != nil {
			return fmt.Errorf("marshal rationale: %w", err)
		}
		rationale = string(raw)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO transactions (id, origin, first_seq, last_seq, event_count, mode, subject, policy_context,
		                          request_context, rationale, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rec.ID, string(rec.Origin), int64(rec.FirstSeq), int64(rec.LastSeq), rec.EventCount,
		string(rec.Mode), rec.Subject, string(pcJSON), string(reqJSON), rationale, rec.CommittedAt)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", rec.ID, err)
	}
	return nil
}
