package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/Misty4119/nds-api/internal/ir"
)

// readPageSize bounds how many rows ReadRange holds in memory at once.
const readPageSize = 256

// ReadRange lazily yields origin's events with from <= seq <= to, in seq
// order. to == 0 means no upper bound. Rows are fetched a page at a time and
// no database cursor stays open while the caller runs, so a consumer that
// stops early can restart with from = last seq + 1.
func (s *Store) ReadRange(ctx context.Context, origin ir.OriginID, from, to uint64) iter.Seq2[ir.Event, error] {
	return func(yield func(ir.Event, error) bool) {
		if from == 0 {
			from = 1
		}
		next := from
		for {
			if to != 0 && next > to {
				return
			}
			page, err := s.readPage(ctx, origin, next, to)
			if err != nil {
				yield(ir.Event{}, err)
				return
			}
			for _, se := range page {
				if !yield(se.Event, nil) {
					return
				}
			}
			if len(page) < readPageSize {
				return
			}
			next = page[len(page)-1].Event.Seq + 1
		}
	}
}

func (s *Store) readPage(ctx context.Context, origin ir.OriginID, from, to uint64) ([]StoredEvent, error) {
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE origin = ? AND seq >= ? AND (? = 0 OR seq <= ?)
		ORDER BY seq ASC
		LIMIT ?
	`, string(origin), int64(from), int64(to), int64(to), readPageSize)
	if err != nil {
		return nil, fmt.Errorf("read range %s: %w", origin, err)
	}
	return collectEvents(rows)
}

// LatestSeq returns the highest stored seq for origin, or 0.
func (s *Store) LatestSeq(ctx context.Context, origin ir.OriginID) (uint64, error) {
	return latestSeq(ctx, s.rdb, origin)
}

// Heads returns the latest seq of every stored origin as a vector clock.
func (s *Store) Heads(ctx context.Context) (ir.VectorClock, error) {
	return s.heads(ctx, s.rdb)
}

func (s *Store) heads(ctx context.Context, q querier) (ir.VectorClock, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT origin, MAX(seq) FROM events GROUP BY origin
	`)
	if err != nil {
		return nil, fmt.Errorf("heads: %w", err)
	}
	defer rows.Close()

	heads := ir.VectorClock{}
	for rows.Next() {
		var origin string
		var seq int64
		if err := rows.Scan(&origin, &seq); err != nil {
			return nil, fmt.Errorf("scan head: %w", err)
		}
		heads[ir.OriginID(origin)] = uint64(seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate heads: %w", err)
	}
	return heads, nil
}

// Get returns one event. Missing events wrap ErrNotFound.
func (s *Store) Get(ctx context.Context, id ir.EventID) (ir.Event, error) {
	row := s.rdb.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events WHERE origin = ? AND seq = ?
	`, string(id.Origin), int64(id.Seq))
	se, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.Event{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return se.Event, nil
}

// Has reports whether id is stored.
func (s *Store) Has(ctx context.Context, id ir.EventID) (bool, error) {
	return hasEvent(ctx, s.rdb, id)
}

// ContentHash returns the stored content hash of id.
func (s *Store) ContentHash(ctx context.Context, id ir.EventID) (string, error) {
	return contentHash(ctx, s.rdb, id)
}

// Origins lists every origin with at least one stored event, sorted.
func (s *Store) Origins(ctx context.Context) ([]ir.OriginID, error) {
	heads, err := s.Heads(ctx)
	if err != nil {
		return nil, err
	}
	return heads.Origins(), nil
}

// AssetEvents returns the most recent limit events touching asset, oldest
// first. limit <= 0 returns all of them.
func (s *Store) AssetEvents(ctx context.Context, asset string, limit int) ([]StoredEvent, error) {
	return s.assetEvents(ctx, asset, "", limit)
}

// AssetEventsExcept is AssetEvents without the events of origin exclude.
// The limit counts only the remaining events.
func (s *Store) AssetEventsExcept(ctx context.Context, asset string, exclude ir.OriginID, limit int) ([]StoredEvent, error) {
	return s.assetEvents(ctx, asset, exclude, limit)
}

func (s *Store) assetEvents(ctx context.Context, asset string, exclude ir.OriginID, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE asset_id = ? AND origin != ?
		ORDER BY commit_idx DESC
		LIMIT ?
	`, asset, string(exclude), limit)
	if err != nil {
		return nil, fmt.Errorf("asset events %s: %w", asset, err)
	}
	out, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Tail returns up to limit events committed after index, in commit order.
// Commit order is always a causal order.
func (s *Store) Tail(ctx context.Context, after int64, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE commit_idx > ?
		ORDER BY commit_idx ASC
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("tail after %d: %w", after, err)
	}
	return collectEvents(rows)
}

// LastIndex returns the highest commit index, or 0 for an empty store.
func (s *Store) LastIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := s.rdb.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(commit_idx), 0) FROM events
	`).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("last index: %w", err)
	}
	return idx, nil
}

// TransactionEvents returns every event of a transaction in (origin, seq)
// order.
func (s *Store) TransactionEvents(ctx context.Context, txID string) ([]ir.Event, error) {
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE transaction_id = ?
		ORDER BY origin COLLATE BINARY ASC, seq ASC
	`, txID)
	if err != nil {
		return nil, fmt.Errorf("transaction events %s: %w", txID, err)
	}
	stored, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	out := make([]ir.Event, len(stored))
	for i, se := range stored {
		out[i] = se.Event
	}
	return out, nil
}
