package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/observability"
	"github.com/Misty4119/nds-api/internal/store"
)

const (
	// DefaultWindow is how many recent stored events per asset from other
	// origins a remote event is compared against.
	DefaultWindow = 64
	// maxDeferred bounds the parked queue. Overflow is dropped: the sync
	// watermark never covers an unapplied event, so it is re-requested.
	maxDeferred = 10000
)

// Resolution is one concurrent pair and what was done about it.
type Resolution struct {
	AssetID string
	Winner  ir.EventID
	Loser   ir.EventID
	Action  Action
	Policy  string
	Reason  string
	// Marker is the CONFLICT event written for a Compensate verdict. It is
	// zero when another node's marker already covered the pair or no local
	// origin is configured.
	Marker ir.EventID
}

// Outcome summarises one Apply call.
type Outcome struct {
	Applied    int
	Duplicates int
	Deferred   []ir.EventID
	Conflicts  []Resolution
	// Heads is the highest seq per origin appended or found present in
	// this call.
	Heads ir.VectorClock
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMergePolicy sets the merge policy. The default is ClockSumPolicy.
func WithMergePolicy(p MergePolicy) Option {
	return func(r *Resolver) { r.policy = p }
}

// WithWindow sets how many recent events per asset are compared.
func WithWindow(n int) Option {
	return func(r *Resolver) { r.window = n }
}

// WithLocalOrigin sets the origin CONFLICT markers are written as.
// Without it conflicts are recorded but no marker event is written.
func WithLocalOrigin(origin ir.OriginID) Option {
	return func(r *Resolver) { r.local = origin }
}

// WithClock sets the time source for marker created_at.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithMetrics reports appends and conflicts to p.
func WithMetrics(p *observability.Provider) Option {
	return func(r *Resolver) { r.metrics = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// Resolver applies remote event batches.
//
// Thread-safety: Apply may be called concurrently, e.g. by sync rounds
// with different peers. Overlapping appends are serialized per origin by
// the store.
type Resolver struct {
	store   *store.Store
	policy  MergePolicy
	window  int
	local   ir.OriginID
	now     func() time.Time
	metrics *observability.Provider
	logger  *slog.Logger

	mu       sync.Mutex
	deferred map[ir.EventID]ir.Event

	markerMu sync.Mutex
}

// New creates a resolver over st.
func New(st *store.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:    st,
		policy:   ClockSumPolicy{},
		window:   DefaultWindow,
		now:      time.Now,
		logger:   slog.Default().With("component", "conflict"),
		deferred: make(map[ir.EventID]ir.Event),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Deferred returns the ids of parked events in (origin, seq) order.
func (r *Resolver) Deferred() []ir.EventID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]ir.EventID, 0, len(r.deferred))
	for id := range r.deferred {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, ir.CompareEventIDs)
	return ids
}

// Retry re-attempts parked events.
func (r *Resolver) Retry(ctx context.Context) (Outcome, error) {
	return r.Apply(ctx, nil)
}

// Apply routes a remote batch into the store.
//
// Events already stored with identical content count as duplicates;
// differing content is a store.ConflictError and nothing from the batch
// is applied. Parked events from earlier calls are retried first. Events
// of one (origin, transaction) are appended in one store call, so a
// remote transaction is never partially visible.
func (r *Resolver) Apply(ctx context.Context, batch []ir.Event) (Outcome, error) {
	out := Outcome{Heads: ir.VectorClock{}}

	pending, err := r.collect(ctx, batch, &out)
	if err != nil {
		return out, err
	}
	applied := make(map[ir.EventID]bool)
	// Each pass can unblock events that came earlier in topological order
	// but waited on a transaction sibling, so repeat until no progress.
	for len(pending) > 0 {
		before := out.Applied + out.Duplicates
		blocked, err := r.pass(ctx, pending, applied, &out)
		if err != nil {
			r.park(blocked)
			out.Deferred = sortedIDs(blocked)
			return out, err
		}
		pending = blocked
		if out.Applied+out.Duplicates == before {
			break
		}
	}

	r.park(pending)
	out.Deferred = sortedIDs(pending)
	if len(pending) > 0 {
		r.logger.Info("remote events deferred", "count", len(pending))
	}
	return out, nil
}

// pass tries every pending event once, in topological order, and returns
// those it could not append. On error the returned map also holds every
// event the pass did not reach.
func (r *Resolver) pass(ctx context.Context, pending map[ir.EventID]ir.Event, applied map[ir.EventID]bool, out *Outcome) (map[ir.EventID]ir.Event, error) {
	blocked := make(map[ir.EventID]ir.Event)
	done := make(map[ir.EventID]bool)
	unreached := func() {
		for id, ev := range pending {
			if !done[id] {
				blocked[id] = ev
			}
		}
	}

	for _, ev := range topoOrder(pending) {
		if done[ev.ID()] {
			continue
		}
		group := transactionGroup(ev, pending, done)
		for _, g := range group {
			done[g.ID()] = true
		}

		ready, err := r.ready(ctx, group, applied)
		if err != nil {
			keep(blocked, group)
			unreached()
			return blocked, err
		}
		if !ready {
			keep(blocked, group)
			continue
		}

		verdicts, err := r.detect(ctx, group)
		if err != nil {
			keep(blocked, group)
			unreached()
			return blocked, err
		}

		origin := group[0].Origin
		rng, err := r.store.Append(ctx, origin, group)
		switch {
		case err == nil:
		case store.IsCausalDependencyMissing(err), store.IsSequenceGap(err):
			r.logger.Debug("deferring remote events", "origin", origin, "first", group[0].Seq, "error", err)
			keep(blocked, group)
			continue
		default:
			if !store.IsConflict(err) {
				keep(blocked, group)
			}
			unreached()
			return blocked, fmt.Errorf("apply %s: %w", group[0].ID(), err)
		}

		out.Applied += rng.Appended
		out.Duplicates += rng.Duplicates
		r.metrics.RecordAppend(ctx, origin, rng.Appended, rng.Duplicates)
		for _, g := range group {
			applied[g.ID()] = true
			if g.Seq > out.Heads[g.Origin] {
				out.Heads[g.Origin] = g.Seq
			}
		}

		for _, v := range verdicts {
			res, err := r.settle(ctx, v)
			if err != nil {
				unreached()
				return blocked, err
			}
			out.Conflicts = append(out.Conflicts, res)
		}
	}
	return blocked, nil
}

// collect merges parked events with the batch, dropping stored duplicates.
// On error the parked events go back to the queue; the batch does not.
func (r *Resolver) collect(ctx context.Context, batch []ir.Event, out *Outcome) (map[ir.EventID]ir.Event, error) {
	r.mu.Lock()
	parked := r.deferred
	r.deferred = make(map[ir.EventID]ir.Event)
	r.mu.Unlock()

	pending := make(map[ir.EventID]ir.Event, len(parked)+len(batch))
	for id, ev := range parked {
		pending[id] = ev
	}
	for _, ev := range batch {
		if err := ev.Validate(); err != nil {
			r.park(parked)
			return nil, &store.InvalidEventError{Event: ev.ID(), Err: err}
		}
		pending[ev.ID()] = ev
	}

	for id, ev := range pending {
		stored, err := r.store.ContentHash(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			r.park(parked)
			return nil, err
		}
		incoming, err := ev.Hash()
		if err != nil {
			delete(parked, id)
			r.park(parked)
			return nil, &store.InvalidEventError{Event: id, Err: err}
		}
		if stored != incoming {
			delete(parked, id)
			r.park(parked)
			return nil, &store.ConflictError{Event: id, StoredHash: stored, IncomingHash: incoming}
		}
		out.Duplicates++
		if ev.Seq > out.Heads[ev.Origin] {
			out.Heads[ev.Origin] = ev.Seq
		}
		delete(pending, id)
		delete(parked, id)
	}
	return pending, nil
}

// ready reports whether every event of group can be appended now: its
// predecessor on the same origin and all causal parents are stored,
// applied in this call, or earlier in the group.
func (r *Resolver) ready(ctx context.Context, group []ir.Event, applied map[ir.EventID]bool) (bool, error) {
	inGroup := make(map[ir.EventID]bool, len(group))
	present := func(id ir.EventID) (bool, error) {
		if inGroup[id] || applied[id] {
			return true, nil
		}
		return r.store.Has(ctx, id)
	}
	for _, ev := range group {
		deps := slices.Clone(ev.Parents)
		if ev.Seq > 1 {
			deps = append(deps, ir.EventID{Origin: ev.Origin, Seq: ev.Seq - 1})
		}
		for _, dep := range deps {
			ok, err := present(dep)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		inGroup[ev.ID()] = true
	}
	return true, nil
}

// detect compares each asset event of group with recent stored events on
// the same asset from other origins.
func (r *Resolver) detect(ctx context.Context, group []ir.Event) ([]verdict, error) {
	var out []verdict
	for _, ev := range group {
		if !ev.TouchesAsset() {
			continue
		}
		recent, err := r.store.AssetEventsExcept(ctx, ev.AssetID, ev.Origin, r.window)
		if err != nil {
			return nil, err
		}
		for _, se := range recent {
			other := se.Event
			if other.Origin == ev.Origin || !other.TouchesAsset() {
				continue
			}
			if !ev.Clock.ConcurrentWith(other.Clock) {
				continue
			}
			a, b := other, ev
			if ir.CompareEventIDs(a.ID(), b.ID()) > 0 {
				a, b = b, a
			}
			v := r.policy.Resolve(a, b)
			out = append(out, verdict{
				Verdict: v,
				policy:  policyName(r.policy, a, b),
				asset:   ev.AssetID,
				events:  map[ir.EventID]ir.Event{a.ID(): a, b.ID(): b},
			})
		}
	}
	return out, nil
}

type verdict struct {
	Verdict
	policy string
	asset  string
	events map[ir.EventID]ir.Event
}

// settle records a verdict and, for Compensate, writes the CONFLICT
// marker unless the pair is already resolved. A loser is compensated at
// most once however many events beat it.
func (r *Resolver) settle(ctx context.Context, v verdict) (Resolution, error) {
	res := Resolution{
		AssetID: v.asset,
		Winner:  v.Winner,
		Loser:   v.Loser,
		Action:  v.Action,
		Policy:  v.policy,
		Reason:  v.Reason,
	}
	r.metrics.RecordConflict(ctx, v.asset, v.policy)

	r.markerMu.Lock()
	defer r.markerMu.Unlock()

	known, err := r.store.HasConflict(ctx, v.Loser, v.Winner)
	if err != nil {
		return res, err
	}
	if known {
		return res, nil
	}
	compensated := false
	if v.Action == Compensate {
		if compensated, err = r.store.Compensated(ctx, v.Loser); err != nil {
			return res, err
		}
	}
	if v.Action != Compensate || r.local == "" || compensated {
		_, err := r.store.RecordConflict(ctx, store.Conflict{
			Loser: v.Loser, Winner: v.Winner, AssetID: v.asset, Policy: v.policy, Reason: v.Reason,
		})
		return res, err
	}

	loser := v.events[v.Loser]
	rec := ir.ConflictRecord{
		Winner:     v.Winner,
		Loser:      v.Loser,
		Reason:     v.Reason,
		Policy:     v.policy,
		Compensate: loser.Payload,
	}
	version := "1.0.0"
	if reg := r.store.Registry(); reg != nil {
		if def, err := reg.Latest(ir.SchemaConflict); err == nil {
			version = def.Version
		}
	}
	createdAt := r.now().UnixMilli()
	build := func(next uint64, heads ir.VectorClock) ([]ir.Event, error) {
		clock := heads.Clone()
		clock[r.local] = next
		parents := []ir.EventID{v.Winner, v.Loser}
		if next > 1 {
			parents = append(parents, ir.EventID{Origin: r.local, Seq: next - 1})
		}
		marker := ir.Event{
			Origin:        r.local,
			Seq:           next,
			TransactionID: "conflict/" + v.Loser.String(),
			Type:          ir.EventConflict,
			AssetID:       v.asset,
			Scope:         loser.Scope,
			Schema:        ir.SchemaConflict,
			SchemaVersion: version,
			Payload:       rec.Object(),
			Clock:         clock,
			Parents:       ir.NormalizeParents(parents),
			CreatedAt:     createdAt,
		}
		res.Marker = marker.ID()
		return []ir.Event{marker}, nil
	}
	if _, err := r.store.AppendLocal(ctx, r.local, build); err != nil {
		res.Marker = ir.EventID{}
		return res, fmt.Errorf("write conflict marker for %s: %w", v.Loser, err)
	}
	r.logger.Info("conflict resolved",
		"asset", v.asset, "winner", v.Winner, "loser", v.Loser, "policy", v.policy, "marker", res.Marker)
	return res, nil
}

func keep(blocked map[ir.EventID]ir.Event, group []ir.Event) {
	for _, ev := range group {
		blocked[ev.ID()] = ev
	}
}

// park returns events to the deferred queue.
func (r *Resolver) park(events map[ir.EventID]ir.Event) {
	if len(events) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ev := range events {
		if len(r.deferred) >= maxDeferred {
			r.logger.Warn("deferred queue full, dropping event", "event", id)
			continue
		}
		r.deferred[id] = ev
	}
}

// transactionGroup returns the not yet handled events of ev's
// (origin, transaction), in seq order.
func transactionGroup(ev ir.Event, pending map[ir.EventID]ir.Event, done map[ir.EventID]bool) []ir.Event {
	var group []ir.Event
	for id, other := range pending {
		if done[id] || other.Origin != ev.Origin || other.TransactionID != ev.TransactionID {
			continue
		}
		group = append(group, other)
	}
	ir.SortEvents(group)
	return group
}

// topoOrder sorts events so causal parents and same-origin predecessors
// inside the set come first. Ties break by (origin, seq).
func topoOrder(pending map[ir.EventID]ir.Event) []ir.Event {
	indegree := make(map[ir.EventID]int, len(pending))
	children := make(map[ir.EventID][]ir.EventID)
	for id, ev := range pending {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		deps := slices.Clone(ev.Parents)
		if ev.Seq > 1 {
			deps = append(deps, ir.EventID{Origin: ev.Origin, Seq: ev.Seq - 1})
		}
		seen := make(map[ir.EventID]bool, len(deps))
		for _, dep := range deps {
			if _, ok := pending[dep]; !ok || seen[dep] {
				continue
			}
			seen[dep] = true
			indegree[id]++
			children[dep] = append(children[dep], id)
		}
	}

	var ready []ir.EventID
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	out := make([]ir.Event, 0, len(pending))
	for len(ready) > 0 {
		slices.SortFunc(ready, ir.CompareEventIDs)
		id := ready[0]
		ready = ready[1:]
		out = append(out, pending[id])
		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	// Cycles cannot come from valid clocks; append leftovers so the store
	// rejects them.
	if len(out) < len(pending) {
		var rest []ir.Event
		for id, n := range indegree {
			if n > 0 {
				rest = append(rest, pending[id])
			}
		}
		ir.SortEvents(rest)
		out = append(out, rest...)
	}
	return out
}

func sortedIDs(events map[ir.EventID]ir.Event) []ir.EventID {
	ids := make([]ir.EventID, 0, len(events))
	for id := range events {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, ir.CompareEventIDs)
	return ids
}
