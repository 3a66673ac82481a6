package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/apd/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/observability"
	"github.com/Misty4119/nds-api/internal/schema"
	"github.com/Misty4119/nds-api/internal/store"
)

// Status is the lifecycle state of a registered projection.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusRebuilding Status = "REBUILDING"
	StatusPaused     Status = "PAUSED"
	StatusError      Status = "ERROR"
)

const (
	defaultBatchSize = 1000
	defaultInterval  = time.Second
)

// SchemaConsumer is implemented by projections that need particular
// schemas. Register fails when one is missing from the registry.
type SchemaConsumer interface {
	Schemas() []string
}

// Schemas lists the schemas Balances reads amounts from.
func (Balances) Schemas() []string { return []string{schema.AssetDelta, ir.SchemaConflict} }

// Option configures an Engine.
type Option func(*Engine)

// WithMirror publishes changed items to m after every batch.
func WithMirror(m Mirror) Option {
	return func(e *Engine) { e.mirror = m }
}

// WithBatchSize sets how many events are read per fold batch.
func WithBatchSize(n int) Option {
	return func(e *Engine) { e.batch = n }
}

// WithInterval sets how often Run polls without a notification.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithMetrics reports folds to p.
func WithMetrics(p *observability.Provider) Option {
	return func(e *Engine) { e.metrics = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

type view struct {
	mu     sync.Mutex
	p      Projection
	filter Filter

	// Guarded by mu.
	state     ir.Object
	folded    ir.VectorClock
	cursor    int64
	status    Status
	err       error
	published map[string]string
}

// Engine maintains registered projections over a store.
type Engine struct {
	store    *store.Store
	registry *schema.Registry
	mirror   Mirror
	batch    int
	interval time.Duration
	metrics  *observability.Provider
	logger   *slog.Logger

	mu    sync.RWMutex
	views map[string]*view
	names []string
}

// New returns an engine with no projections registered.
func New(st *store.Store, reg *schema.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		registry: reg,
		batch:    defaultBatchSize,
		interval: defaultInterval,
		logger:   slog.Default().With("component", "projection"),
		views:    map[string]*view{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds p and restores its checkpoint. A checkpoint written by
// another version of p is discarded; the next CatchUp folds from genesis.
func (e *Engine) Register(ctx context.Context, p Projection) error {
	name := p.Name()
	if name == "" {
		return fmt.Errorf("projection without name")
	}
	if sc, ok := p.(SchemaConsumer); ok && e.registry != nil {
		for _, s := range sc.Schemas() {
			if _, err := e.registry.Latest(s); err != nil {
				return fmt.Errorf("projection %s: %w", name, err)
			}
		}
	}

	v := &view{p: p, state: p.Init(), folded: ir.VectorClock{}, status: StatusActive}
	if f, ok := p.(Filter); ok {
		v.filter = f
	}

	cp, err := e.store.LoadCheckpoint(ctx, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	case cp.Version != p.Version():
		e.logger.Info("projection version changed, rebuilding", "projection", name, "from", cp.Version, "to", p.Version())
		if err := e.store.DeleteCheckpoint(ctx, name); err != nil {
			return err
		}
	default:
		v.state = cp.State
		v.folded = cp.Folded
		v.cursor = cp.Cursor
		if Status(cp.Status) == StatusPaused {
			v.status = StatusPaused
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.views[name]; dup {
		return fmt.Errorf("projection %s already registered", name)
	}
	e.views[name] = v
	e.names = append(e.names, name)
	return nil
}

// Names returns registered projection names in registration order.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.names...)
}

func (e *Engine) view(name string) (*view, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.views[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return v, nil
}

// CatchUp folds every committed event not yet seen into every active
// projection. Paused and failed projections are skipped; the first fold
// error is returned after the others have been processed.
func (e *Engine) CatchUp(ctx context.Context) error {
	var errs []error
	for _, name := range e.Names() {
		v, err := e.view(name)
		if err != nil {
			continue
		}
		if err := e.catchUp(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) catchUp(ctx context.Context, v *view) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status != StatusActive {
		return nil
	}
	name := v.p.Name()
	for {
		batch, err := e.store.Tail(ctx, v.cursor, e.batch)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		started := time.Now()
		fctx, span := e.metrics.StartSpan(ctx, observability.OpFold, trace.WithAttributes(observability.Projection(name)))
		n, err := e.foldBatch(v, batch)
		span.End()
		e.metrics.RecordFold(fctx, name, n, time.Since(started))
		if err != nil {
			v.status = StatusError
			v.err = err
			e.logger.Error("projection fold failed", "projection", name, "error", err)
			return err
		}
		if err := e.checkpoint(ctx, v); err != nil {
			return err
		}
		e.publish(ctx, v)
		if len(batch) < e.batch {
			return nil
		}
	}
}

// foldBatch applies a batch in commit order and advances the cursor. The
// store commits every event after its dependencies and the resolver admits
// a sync batch ready-first in (origin, seq) order, so commit order is the
// fold order for the live view and for every re-fold from genesis alike.
func (e *Engine) foldBatch(v *view, batch []store.StoredEvent) (int, error) {
	events := make([]ir.Event, len(batch))
	for i, se := range batch {
		events[i] = se.Event
	}
	state, folded, err := fold(v.p, v.filter, v.state, v.folded, events)
	if err != nil {
		return 0, err
	}
	v.state, v.folded = state, folded
	v.cursor = batch[len(batch)-1].Index
	return len(events), nil
}

// fold applies events in the given order. The input state is modified. An
// event whose dependencies are not folded yet fails the fold.
func fold(p Projection, f Filter, state ir.Object, folded ir.VectorClock, events []ir.Event) (ir.Object, ir.VectorClock, error) {
	for _, ev := range events {
		if d, ok := missingDependency(ev, folded); ok {
			return state, folded, &FoldError{Projection: p.Name(), Event: ev.ID(), Err: fmt.Errorf("dependency %s is not folded", d)}
		}
		if f == nil || f.Accept(ev) {
			next, err := p.Apply(state, ev)
			if err != nil {
				return state, folded, &FoldError{Projection: p.Name(), Event: ev.ID(), Err: err}
			}
			state = next
		}
		if ev.Seq > folded.Get(ev.Origin) {
			folded[ev.Origin] = ev.Seq
		}
	}
	return state, folded, nil
}

func (e *Engine) checkpoint(ctx context.Context, v *view) error {
	digest, err := ir.ProjectionDigest(v.state)
	if err != nil {
		return err
	}
	return e.store.SaveCheckpoint(ctx, store.Checkpoint{
		Name:    v.p.Name(),
		Version: v.p.Version(),
		Cursor:  v.cursor,
		Folded:  v.folded,
		State:   v.state,
		Digest:  digest,
		Status:  string(v.status),
	})
}

// genesis folds the whole log up to index upTo (0 = everything) into a
// fresh state.
func (e *Engine) genesis(ctx context.Context, p Projection, f Filter, upTo int64) (ir.Object, ir.VectorClock, int64, error) {
	state, folded := p.Init(), ir.VectorClock{}
	var cursor int64
	for {
		limit := e.batch
		batch, err := e.store.Tail(ctx, cursor, limit)
		if err != nil {
			return nil, nil, 0, err
		}
		if upTo > 0 {
			for i, se := range batch {
				if se.Index > upTo {
					batch = batch[:i]
					break
				}
			}
		}
		if len(batch) == 0 {
			return state, folded, cursor, nil
		}
		events := make([]ir.Event, len(batch))
		for i, se := range batch {
			events[i] = se.Event
		}
		if state, folded, err = fold(p, f, state, folded, events); err != nil {
			return nil, nil, 0, err
		}
		cursor = batch[len(batch)-1].Index
		if len(batch) < limit {
			return state, folded, cursor, nil
		}
	}
}

// Rebuild discards name's state and folds it again from genesis. Readers
// see the old state until the new one is complete; folding is suspended
// meanwhile.
func (e *Engine) Rebuild(ctx context.Context, name string) error {
	v, err := e.view(name)
	if err != nil {
		return err
	}
	v.mu.Lock()
	if v.status == StatusRebuilding {
		v.mu.Unlock()
		return fmt.Errorf("projection %s is already rebuilding", name)
	}
	prev := v.status
	v.status = StatusRebuilding
	v.mu.Unlock()

	_, span := e.metrics.StartSpan(ctx, observability.OpRebuild, trace.WithAttributes(observability.Projection(name)))
	defer span.End()
	state, folded, cursor, err := e.genesis(ctx, v.p, v.filter, 0)

	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		v.status = StatusError
		v.err = err
		span.RecordError(err)
		return err
	}
	v.state, v.folded, v.cursor, v.err = state, folded, cursor, nil
	v.published = nil
	v.status = StatusActive
	if prev == StatusPaused {
		v.status = StatusPaused
	}
	e.logger.Info("projection rebuilt", "projection", name, "cursor", cursor)
	if err := e.checkpoint(ctx, v); err != nil {
		return err
	}
	e.publish(ctx, v)
	return nil
}

// Replay folds name from genesis up to its current cursor without
// touching the live state and returns the result.
func (e *Engine) Replay(ctx context.Context, name string) (ir.Object, error) {
	v, err := e.view(name)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	cursor := v.cursor
	v.mu.Unlock()
	if cursor == 0 {
		return v.p.Init(), nil
	}
	state, _, _, err := e.genesis(ctx, v.p, v.filter, cursor)
	return state, err
}

// Verify replays name from genesis and compares digests with the live
// state. It returns both digests.
func (e *Engine) Verify(ctx context.Context, name string) (live, replayed string, err error) {
	v, err := e.view(name)
	if err != nil {
		return "", "", err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if live, err = ir.ProjectionDigest(v.state); err != nil {
		return "", "", err
	}
	if v.cursor == 0 {
		replayed, err = ir.ProjectionDigest(v.p.Init())
		return live, replayed, err
	}
	state, _, _, err := e.genesis(ctx, v.p, v.filter, v.cursor)
	if err != nil {
		return live, "", err
	}
	replayed, err = ir.ProjectionDigest(state)
	return live, replayed, err
}

// State returns a copy of name's state.
func (e *Engine) State(name string) (ir.Object, error) {
	v, err := e.view(name)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.Clone(), nil
}

// Get returns one item of name's state.
func (e *Engine) Get(name, key string) (ir.Value, bool, error) {
	v, err := e.view(name)
	if err != nil {
		return nil, false, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	it, ok := v.state.Object(ItemsKey)
	if !ok {
		return nil, false, nil
	}
	val, ok := it[key]
	if !ok {
		return nil, false, nil
	}
	if obj, isObj := val.(ir.Object); isObj {
		return obj.Clone(), true, nil
	}
	return val, true, nil
}

// Folded returns the vector clock of events folded into name.
func (e *Engine) Folded(name string) (ir.VectorClock, error) {
	v, err := e.view(name)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.folded.Clone(), nil
}

// Status returns name's status and, for StatusError, the fold error. The
// in-memory state of a failed projection may hold part of the failed batch;
// its checkpoint does not.
func (e *Engine) Status(name string) (Status, error) {
	v, err := e.view(name)
	if err != nil {
		return "", err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status == StatusError {
		return v.status, v.err
	}
	return v.status, nil
}

// Pause stops folding name until Resume. The state stays readable.
func (e *Engine) Pause(ctx context.Context, name string) error {
	return e.setPaused(ctx, name, true)
}

// Resume continues folding a paused projection.
func (e *Engine) Resume(ctx context.Context, name string) error {
	return e.setPaused(ctx, name, false)
}

func (e *Engine) setPaused(ctx context.Context, name string, paused bool) error {
	v, err := e.view(name)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case paused && v.status == StatusActive:
		v.status = StatusPaused
	case !paused && v.status == StatusPaused:
		v.status = StatusActive
	default:
		return fmt.Errorf("projection %s is %s", name, v.status)
	}
	return e.checkpoint(ctx, v)
}

// Digest returns the canonical digest of name's state.
func (e *Engine) Digest(name string) (string, error) {
	v, err := e.view(name)
	if err != nil {
		return "", err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return ir.ProjectionDigest(v.state)
}

// Balance reads an asset's balance from the balances projection. Unknown
// assets have a zero balance.
func (e *Engine) Balance(_ context.Context, asset string) (*apd.Decimal, error) {
	val, ok, err := e.Get(BalancesName, asset)
	if err != nil || !ok {
		return apd.New(0, 0), err
	}
	entry, _ := val.(ir.Object)
	raw, ok := entry.String("balance")
	if !ok {
		return apd.New(0, 0), nil
	}
	d, _, err := apd.NewFromString(raw)
	return d, err
}

// Run folds until ctx is done, after every notification and at least once
// per interval. Fold errors are logged; the failed projection stays in
// StatusError until rebuilt.
func (e *Engine) Run(ctx context.Context, notify <-chan struct{}) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		if err := e.CatchUp(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("projection catch-up incomplete", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-notify:
		case <-ticker.C:
		}
	}
}
