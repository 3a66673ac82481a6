package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Misty4119/nds-api/internal/ir"
)

// SeqRange describes the outcome of one Append call.
// First and Last span the whole batch, duplicates included.
type SeqRange struct {
	Origin     ir.OriginID
	First      uint64
	Last       uint64
	Appended   int
	Duplicates int
}

// StoredEvent pairs an event with its local commit index.
type StoredEvent struct {
	Index int64
	Event ir.Event
}

// TxRecord is the ledger row of a committed local transaction.
type TxRecord struct {
	ID            string
	Origin        ir.OriginID
	FirstSeq      uint64
	LastSeq       uint64
	EventCount    int
	Mode          ir.ConsistencyMode
	Subject       string
	PolicyContext ir.Object
	Request       ir.RequestContext
	Rationale     *ir.Rationale
	CommittedAt   int64
}

// AppendOption adjusts a single append.
type AppendOption func(*appendConfig)

type appendConfig struct {
	tx *TxRecord
}

// WithTxRecord stores rec in the same SQL transaction as the events.
// FirstSeq, LastSeq and EventCount are filled from the appended batch.
func WithTxRecord(rec TxRecord) AppendOption {
	return func(c *appendConfig) { c.tx = &rec }
}

// BuildFunc produces the events of a local append once the next sequence
// number and the current heads are known. clock is a private copy.
type BuildFunc func(next uint64, clock ir.VectorClock) ([]ir.Event, error)

// Append stores a batch of events from one origin, all-or-nothing.
//
// Events must be ordered by seq. Events already present with identical
// content are skipped; the rest must continue the origin's sequence
// contiguously and have every causal parent stored.
func (s *Store) Append(ctx context.Context, origin ir.OriginID, events []ir.Event, opts ...AppendOption) (SeqRange, error) {
	l := s.originLock(origin)
	l.Lock()
	defer l.Unlock()
	return s.appendLocked(ctx, origin, events, opts)
}

// AppendLocal assigns sequence numbers for origin inside its critical
// section. build receives latest+1 and the store's heads; only one
// AppendLocal or Append per origin runs at a time.
func (s *Store) AppendLocal(ctx context.Context, origin ir.OriginID, build BuildFunc, opts ...AppendOption) (SeqRange, error) {
	l := s.originLock(origin)
	l.Lock()
	defer l.Unlock()

	if err := s.haltedErr(origin); err != nil {
		return SeqRange{}, &DurabilityError{Origin: origin, Err: err}
	}
	heads, err := s.heads(ctx, s.db)
	if err != nil {
		return SeqRange{}, fmt.Errorf("append local: %w", err)
	}
	events, err := build(heads.Get(origin)+1, heads.Clone())
	if err != nil {
		return SeqRange{}, err
	}
	return s.appendLocked(ctx, origin, events, opts)
}

func (s *Store) appendLocked(ctx context.Context, origin ir.OriginID, events []ir.Event, opts []AppendOption) (rng SeqRange, err error) {
	rng.Origin = origin
	if err := s.haltedErr(origin); err != nil {
		return rng, &DurabilityError{Origin: origin, Err: err}
	}
	if len(events) == 0 {
		return rng, nil
	}
	var cfg appendConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rng, fmt.Errorf("append: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	latest, err := latestSeq(ctx, tx, origin)
	if err != nil {
		return rng, fmt.Errorf("append: %w", err)
	}

	inBatch := make(map[ir.EventID]bool, len(events))
	for i, ev := range events {
		id := ev.ID()
		if ev.Origin != origin {
			return rng, &InvalidEventError{Event: id, Err: fmt.Errorf("origin %s does not match append origin %s", ev.Origin, origin)}
		}
		if err := ev.Validate(); err != nil {
			return rng, &InvalidEventError{Event: id, Err: err}
		}
		if s.registry != nil {
			if err := s.registry.Validate(ev); err != nil {
				return rng, &InvalidEventError{Event: id, Err: err}
			}
		}
		enc, err := encodeEvent(ev)
		if err != nil {
			return rng, &InvalidEventError{Event: id, Err: err}
		}

		if i == 0 {
			rng.First = ev.Seq
		}
		rng.Last = ev.Seq

		if ev.Seq <= latest {
			stored, err := contentHash(ctx, tx, id)
			if err != nil {
				return rng, fmt.Errorf("append: %w", err)
			}
			if stored != enc.hash {
				return rng, &ConflictError{Event: id, StoredHash: stored, IncomingHash: enc.hash}
			}
			rng.Duplicates++
			inBatch[id] = true
			continue
		}
		if ev.Seq != latest+1 {
			return rng, &SequenceGapError{Origin: origin, Expected: latest + 1, Got: ev.Seq}
		}

		var missing []ir.EventID
		for _, p := range ir.NormalizeParents(ev.Parents) {
			if inBatch[p] {
				continue
			}
			ok, err := hasEvent(ctx, tx, p)
			if err != nil {
				return rng, fmt.Errorf("append: %w", err)
			}
			if !ok {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			return rng, &CausalDependencyMissingError{Event: id, Missing: missing}
		}

		if err := insertEvent(ctx, tx, ev, enc); err != nil {
			return rng, fmt.Errorf("append %s: %w", id, err)
		}
		if ev.Type == ir.EventConflict && ev.Schema == ir.SchemaConflict {
			if err := recordMarker(ctx, tx, ev); err != nil {
				return rng, fmt.Errorf("append %s: %w", id, err)
			}
		}
		latest = ev.Seq
		inBatch[id] = true
		rng.Appended++
	}

	if cfg.tx != nil && rng.Appended > 0 {
		rec := *cfg.tx
		rec.Origin = origin
		rec.FirstSeq = rng.Last - uint64(rng.Appended) + 1
		rec.LastSeq = rng.Last
		rec.EventCount = rng.Appended
		if err := insertTransaction(ctx, tx, rec); err != nil {
			return rng, fmt.Errorf("append: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return rng, err
	}
	if err := s.commit(tx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return rng, ctxErr
		}
		s.halt(origin, err)
		return rng, &DurabilityError{Origin: origin, Err: err}
	}
	committed = true

	if rng.Appended > 0 {
		s.logger.Debug("appended events", "origin", origin, "first", rng.Last-uint64(rng.Appended)+1, "last", rng.Last, "duplicates", rng.Duplicates)
	}
	return rng, nil
}

// commit is swapped out in tests to simulate a failed fsync.
func (s *Store) commit(tx *sql.Tx) error {
	if s.commitHook != nil {
		return s.commitHook(tx)
	}
	return tx.Commit()
}

func insertEvent(ctx context.Context, q querier, ev ir.Event, enc encodedEvent) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO events (origin, seq, transaction_id, type, asset_id, scope,
			schema_name, schema_version, payload, clock, parents, created_at, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(ev.Origin), int64(ev.Seq), ev.TransactionID, string(ev.Type), ev.AssetID, string(ev.Scope),
		ev.Schema, ev.SchemaVersion, enc.payload, enc.clock, enc.parents, ev.CreatedAt, enc.hash)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// recordMarker indexes a CONFLICT event in the conflicts table so the pair
// is never resolved twice.
func recordMarker(ctx context.Context, q querier, ev ir.Event) error {
	rec, err := ir.ParseConflictRecord(ev.Payload)
	if err != nil {
		return err
	}
	_, err = insertConflict(ctx, q, Conflict{
		Loser:   rec.Loser,
		Winner:  rec.Winner,
		AssetID: ev.AssetID,
		Policy:  rec.Policy,
		Reason:  rec.Reason,
		Marker:  ev.ID(),
	})
	return err
}

func latestSeq(ctx context.Context, q querier, origin ir.OriginID) (uint64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM events WHERE origin = ?
	`, string(origin)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest seq %s: %w", origin, err)
	}
	return uint64(seq), nil
}

func contentHash(ctx context.Context, q querier, id ir.EventID) (string, error) {
	var hash string
	err := q.QueryRowContext(ctx, `
		SELECT content_hash FROM events WHERE origin = ? AND seq = ?
	`, string(id.Origin), int64(id.Seq)).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("content hash %s: %w", id, err)
	}
	return hash, nil
}

func hasEvent(ctx context.Context, q querier, id ir.EventID) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM events WHERE origin = ? AND seq = ?
	`, string(id.Origin), int64(id.Seq)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has event %s: %w", id, err)
	}
	return true, nil
}
