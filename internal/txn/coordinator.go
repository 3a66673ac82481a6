package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/apd/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/Misty4119/nds-api/internal/audit"
	"github.com/Misty4119/nds-api/internal/identity"
	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/observability"
	"github.com/Misty4119/nds-api/internal/policy"
	"github.com/Misty4119/nds-api/internal/schema"
	"github.com/Misty4119/nds-api/internal/store"
)

// DefaultPolicyTimeout bounds one policy evaluation.
const DefaultPolicyTimeout = 2 * time.Second

// retainedAborts is how many aborted transaction ids Status remembers.
const retainedAborts = 4096

// Draft is an event staged in an open transaction. Origin, sequence
// number, clock and transaction id are assigned at commit.
type Draft struct {
	Type          ir.EventType  `json:"type"`
	AssetID       string        `json:"asset_id,omitempty"`
	Scope         ir.AssetScope `json:"scope,omitempty"`
	Schema        string        `json:"schema,omitempty"`
	SchemaVersion string        `json:"schema_version,omitempty"`
	Payload       ir.Object     `json:"payload"`
	Parents       []ir.EventID  `json:"parents,omitempty"`
}

// Receipt describes a committed transaction.
type Receipt struct {
	TransactionID string
	Origin        ir.OriginID
	Range         store.SeqRange
	Events        []ir.Event
	CommittedAt   time.Time
}

// BalanceReader exposes projected balances for STRONG transactions.
type BalanceReader interface {
	Balance(ctx context.Context, asset string) (*apd.Decimal, error)
}

// Listener is called synchronously after every commit that appended
// events. It must not block.
type Listener func(Receipt)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy sets the policy collaborator. The default allows everything.
func WithPolicy(p policy.Evaluator) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithPolicyTimeout bounds each policy evaluation.
func WithPolicyTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.policyTimeout = d }
}

// WithAuditor sets the audit collaborator.
func WithAuditor(n audit.Notifier) Option {
	return func(c *Coordinator) { c.auditor = n }
}

// WithRegistry validates drafts at Stage time. Defaults to the store's
// registry.
func WithRegistry(r *schema.Registry) Option {
	return func(c *Coordinator) { c.registry = r }
}

// WithIdentity requires a verified token on Begin.
func WithIdentity(v identity.Verifier) Option {
	return func(c *Coordinator) { c.verifier = v }
}

// WithBalances enables the overdraft check for STRONG transactions.
func WithBalances(b BalanceReader) Option {
	return func(c *Coordinator) { c.balances = b }
}

// WithClock sets the time source for created_at and audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator sets the transaction id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Coordinator) { c.ids = g }
}

// WithMetrics reports commits to p.
func WithMetrics(p *observability.Provider) Option {
	return func(c *Coordinator) { c.metrics = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// Coordinator groups drafts into atomic transactions.
//
// Thread-safety: all methods are safe for concurrent use.
type Coordinator struct {
	store         *store.Store
	registry      *schema.Registry
	policy        policy.Evaluator
	policyTimeout time.Duration
	auditor       audit.Notifier
	verifier      identity.Verifier
	balances      BalanceReader
	ids           IDGenerator
	now           func() time.Time
	metrics       *observability.Provider
	logger        *slog.Logger

	// strong is held from the balance read through the append of a
	// checked STRONG commit.
	strong chan struct{}

	mu           sync.Mutex
	active       map[string]*transaction
	aborted      map[string]string
	abortedOrder []string
	listeners    []Listener
}

type transaction struct {
	id         string
	origin     ir.OriginID
	mode       ir.ConsistencyMode
	caller     identity.Identity
	attributes ir.Object
	request    ir.RequestContext
	rationale  *ir.Rationale

	mu          sync.Mutex
	status      ir.TxStatus
	drafts      []Draft
	appending   bool
	cancel      context.CancelFunc
	abortReason string
}

// New creates a coordinator writing to st.
func New(st *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:         st,
		registry:      st.Registry(),
		policy:        policy.AllowAll{},
		policyTimeout: DefaultPolicyTimeout,
		auditor:       audit.Discard{},
		ids:           UUIDv7Generator{},
		now:           time.Now,
		logger:        slog.Default().With("component", "txn"),
		strong:        make(chan struct{}, 1),
		active:        make(map[string]*transaction),
		aborted:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnCommit registers a listener for committed transactions.
func (c *Coordinator) OnCommit(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// BeginOption configures Begin.
type BeginOption func(*beginConfig)

type beginConfig struct {
	token      string
	mode       ir.ConsistencyMode
	attributes ir.Object
	request    ir.RequestContext
	rationale  *ir.Rationale
}

// WithToken passes the caller's identity token.
func WithToken(token string) BeginOption {
	return func(b *beginConfig) { b.token = token }
}

// WithMode sets the consistency mode. The default is STRONG.
func WithMode(m ir.ConsistencyMode) BeginOption {
	return func(b *beginConfig) { b.mode = m }
}

// WithPolicyContext attaches caller attributes visible to policies.
func WithPolicyContext(attrs ir.Object) BeginOption {
	return func(b *beginConfig) { b.attributes = attrs }
}

// WithRequestContext attaches trace and correlation ids. They are stored
// with the transaction and carried into its audit record.
func WithRequestContext(rc ir.RequestContext) BeginOption {
	return func(b *beginConfig) { b.request = rc }
}

// WithRationale records why the transaction is made.
func WithRationale(r ir.Rationale) BeginOption {
	return func(b *beginConfig) { b.rationale = &r }
}

// Begin opens a transaction for origin and returns its id.
func (c *Coordinator) Begin(ctx context.Context, origin ir.OriginID, opts ...BeginOption) (string, error) {
	if origin == "" {
		return "", errors.New("begin: origin is required")
	}
	cfg := beginConfig{mode: ir.ModeStrong}
	for _, opt := range opts {
		opt(&cfg)
	}
	switch cfg.mode {
	case ir.ModeStrong, ir.ModeEventual, ir.ModeOptimistic:
	default:
		return "", fmt.Errorf("begin: unknown consistency mode %q", cfg.mode)
	}
	if cfg.rationale != nil {
		if err := cfg.rationale.Validate(); err != nil {
			return "", fmt.Errorf("begin: %w", err)
		}
	}

	caller, err := c.authenticate(ctx, origin, cfg.token)
	if err != nil {
		return "", err
	}

	tx := &transaction{
		id:         c.ids.Generate(),
		origin:     origin,
		mode:       cfg.mode,
		caller:     caller,
		attributes: cfg.attributes.Clone(),
		request:    cfg.request.Normalize(),
		rationale:  cfg.rationale.Clone(),
		status:     ir.TxOpen,
	}
	c.mu.Lock()
	c.active[tx.id] = tx
	c.mu.Unlock()

	c.logger.Debug("transaction opened", "tx", tx.id, "origin", origin, "mode", cfg.mode, "trace", tx.request.TraceID)
	return tx.id, nil
}

func (c *Coordinator) authenticate(ctx context.Context, origin ir.OriginID, token string) (identity.Identity, error) {
	if c.verifier == nil {
		return identity.Identity{Subject: string(origin), Origin: origin, Type: ir.IdentityUnknown}, nil
	}
	if token == "" {
		return identity.Identity{}, &identity.PermissionDeniedError{Reason: "identity token required"}
	}
	caller, err := c.verifier.Verify(ctx, token)
	if err != nil {
		if identity.IsPermissionDenied(err) {
			return identity.Identity{}, err
		}
		return identity.Identity{}, &identity.PermissionDeniedError{Reason: "token rejected", Err: err}
	}
	if !caller.Authorizes(origin) {
		return identity.Identity{}, &identity.PermissionDeniedError{
			Reason: fmt.Sprintf("%s may not write as origin %s", caller.Subject, origin),
		}
	}
	return caller, nil
}

// Stage adds a draft to an open transaction. The draft is validated
// against its schema immediately; it stays invisible until Commit.
func (c *Coordinator) Stage(ctx context.Context, txID string, d Draft) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := c.lookup(txID, "stage")
	if err != nil {
		return err
	}
	d, err = c.normalize(tx, d)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != ir.TxOpen {
		return &InvalidStateError{TransactionID: txID, Op: "stage", Status: tx.status}
	}
	tx.drafts = append(tx.drafts, d)
	return nil
}

func (c *Coordinator) normalize(tx *transaction, d Draft) (Draft, error) {
	if !d.Type.Valid() {
		return d, &DraftError{TransactionID: tx.id, Err: fmt.Errorf("unknown event type %q", d.Type)}
	}
	if d.Type == ir.EventConflict {
		return d, &DraftError{TransactionID: tx.id, Err: errors.New("CONFLICT events are written by the resolver only")}
	}
	if d.Scope == "" {
		d.Scope = ir.ScopeUnknown
	}
	if d.Schema == "" {
		d.Schema = schema.AssetDelta
	}
	if d.SchemaVersion == "" && c.registry != nil {
		def, err := c.registry.Latest(d.Schema)
		if err != nil {
			return d, &DraftError{TransactionID: tx.id, Err: err}
		}
		d.SchemaVersion = def.Version
	}
	d.Payload = d.Payload.Clone()
	if d.Payload == nil {
		d.Payload = ir.Object{}
	}
	d.Parents = ir.NormalizeParents(d.Parents)
	if c.registry != nil {
		if err := c.registry.Validate(provisional(tx, d)); err != nil {
			return d, &DraftError{TransactionID: tx.id, Err: err}
		}
	}
	if _, _, err := provisional(tx, d).Amount(); err != nil {
		return d, &DraftError{TransactionID: tx.id, Err: err}
	}
	return d, nil
}

// provisional renders a draft as an event without the fields only the
// store can assign.
func provisional(tx *transaction, d Draft) ir.Event {
	return ir.Event{
		Origin:        tx.origin,
		TransactionID: tx.id,
		Type:          d.Type,
		AssetID:       d.AssetID,
		Scope:         d.Scope,
		Schema:        d.Schema,
		SchemaVersion: d.SchemaVersion,
		Payload:       d.Payload,
		Parents:       d.Parents,
	}
}

// Commit validates and appends the staged drafts as one unit.
//
// On a policy denial, a policy timeout, a failed append or cancellation
// the transaction is Aborted and nothing is appended. A transaction with
// no drafts commits without appending.
func (c *Coordinator) Commit(ctx context.Context, txID string) (Receipt, error) {
	tx, err := c.lookup(txID, "commit")
	if err != nil {
		return Receipt{}, err
	}

	tx.mu.Lock()
	if tx.status != ir.TxOpen {
		st := tx.status
		tx.mu.Unlock()
		return Receipt{}, &InvalidStateError{TransactionID: txID, Op: "commit", Status: st}
	}
	tx.status = ir.TxValidating
	cctx, cancel := context.WithCancel(ctx)
	tx.cancel = cancel
	drafts := slices.Clone(tx.drafts)
	tx.mu.Unlock()
	defer cancel()

	start := time.Now()
	cctx, span := c.metrics.StartSpan(cctx, observability.OpCommit,
		trace.WithAttributes(observability.Origin(tx.origin)))
	defer span.End()

	receipt, outcome, err := c.commit(cctx, tx, drafts)
	c.metrics.RecordCommit(ctx, tx.origin, outcome, len(receipt.Events), time.Since(start))
	if err != nil {
		span.RecordError(err)
		return Receipt{}, err
	}
	return receipt, nil
}

func (c *Coordinator) commit(ctx context.Context, tx *transaction, drafts []Draft) (Receipt, string, error) {
	var overdrawn []string
	if tx.mode == ir.ModeStrong && c.balances != nil {
		select {
		case c.strong <- struct{}{}:
		case <-ctx.Done():
			return Receipt{}, "aborted", c.fail(ctx, tx, "cancelled before balance check", ctx.Err())
		}
		defer func() { <-c.strong }()

		var err error
		if overdrawn, err = c.overdrawn(ctx, drafts); err != nil {
			return Receipt{}, "aborted", c.fail(ctx, tx, "balance check failed", err)
		}
	}

	pc := policy.Context{
		TransactionID: tx.id,
		Origin:        tx.origin,
		Mode:          tx.mode,
		Subject:       tx.caller.Subject,
		IdentityType:  tx.caller.Type,
		Roles:         tx.caller.Roles,
		Attributes:    tx.attributes,
		Events:        make([]ir.Event, len(drafts)),
		Overdrawn:     overdrawn,
	}
	for i, d := range drafts {
		pc.Events[i] = provisional(tx, d)
	}
	decision, err := c.evaluate(ctx, tx, pc)
	if err != nil {
		if IsTimeout(err) {
			return Receipt{}, "timeout", c.fail(ctx, tx, "policy timeout", err)
		}
		return Receipt{}, "aborted", c.fail(ctx, tx, "policy evaluation failed", err)
	}
	if !decision.Allow {
		denied := &PolicyDeniedError{TransactionID: tx.id, PolicyID: decision.PolicyID, Reason: decision.Reason}
		c.logger.Info("transaction denied", "tx", tx.id, "origin", tx.origin, "policy", decision.PolicyID, "reason", decision.Reason)
		return Receipt{}, "denied", c.fail(ctx, tx, "policy denied", denied)
	}

	tx.mu.Lock()
	if tx.status == ir.TxAborted || ctx.Err() != nil {
		tx.mu.Unlock()
		return Receipt{}, "aborted", c.fail(ctx, tx, "cancelled before append", ctx.Err())
	}
	tx.appending = true
	tx.mu.Unlock()

	committedAt := c.now()
	var rng store.SeqRange
	var events []ir.Event
	if len(drafts) > 0 {
		rec := store.TxRecord{
			ID:            tx.id,
			Mode:          tx.mode,
			Subject:       tx.caller.Subject,
			PolicyContext: tx.attributes,
			Request:       tx.request,
			Rationale:     tx.rationale,
			CommittedAt:   committedAt.UnixMilli(),
		}
		build := func(next uint64, heads ir.VectorClock) ([]ir.Event, error) {
			events = buildEvents(tx, drafts, next, heads, committedAt.UnixMilli())
			return events, nil
		}
		rng, err = c.store.AppendLocal(ctx, tx.origin, build, store.WithTxRecord(rec))
		if err != nil {
			tx.mu.Lock()
			tx.appending = false
			tx.mu.Unlock()
			if store.IsDurability(err) {
				c.logger.Error("commit not durable", "tx", tx.id, "origin", tx.origin, "error", err)
			}
			return Receipt{}, "aborted", c.fail(ctx, tx, "append failed", err)
		}
	}

	tx.mu.Lock()
	tx.status = ir.TxCommitted
	tx.drafts = nil
	tx.appending = false
	tx.mu.Unlock()

	c.mu.Lock()
	delete(c.active, tx.id)
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	receipt := Receipt{
		TransactionID: tx.id,
		Origin:        tx.origin,
		Range:         rng,
		Events:        events,
		CommittedAt:   committedAt,
	}
	if len(events) == 0 {
		c.logger.Debug("empty transaction committed", "tx", tx.id, "origin", tx.origin)
		return receipt, "committed", nil
	}

	c.logger.Info("transaction committed", "tx", tx.id, "origin", tx.origin, "first", rng.First, "last", rng.Last, "events", len(events), "trace", tx.request.TraceID)
	c.notifyAudit(ctx, tx, events, committedAt)
	for _, l := range listeners {
		l(receipt)
	}
	return receipt, "committed", nil
}

// buildEvents assigns seqs next.. to drafts. The first event's parents are
// the previous own event and the head of every other origin; later events
// chain to their predecessor. Explicit draft parents are kept.
func buildEvents(tx *transaction, drafts []Draft, next uint64, heads ir.VectorClock, createdAt int64) []ir.Event {
	events := make([]ir.Event, len(drafts))
	clock := heads.Clone()
	for i, d := range drafts {
		seq := next + uint64(i)
		clock[tx.origin] = seq

		parents := slices.Clone(d.Parents)
		if i == 0 {
			if seq > 1 {
				parents = append(parents, ir.EventID{Origin: tx.origin, Seq: seq - 1})
			}
			for _, o := range heads.Origins() {
				if o != tx.origin && heads[o] > 0 {
					parents = append(parents, ir.EventID{Origin: o, Seq: heads[o]})
				}
			}
		} else {
			parents = append(parents, events[i-1].ID())
		}

		events[i] = ir.Event{
			Origin:        tx.origin,
			Seq:           seq,
			TransactionID: tx.id,
			Type:          d.Type,
			AssetID:       d.AssetID,
			Scope:         d.Scope,
			Schema:        d.Schema,
			SchemaVersion: d.SchemaVersion,
			Payload:       d.Payload,
			Clock:         clock.Clone(),
			Parents:       ir.NormalizeParents(parents),
			CreatedAt:     createdAt,
		}
	}
	return events
}

// evaluate runs the policy with a timeout. An evaluator that ignores its
// context is abandoned when the deadline passes.
func (c *Coordinator) evaluate(ctx context.Context, tx *transaction, pc policy.Context) (policy.Decision, error) {
	pctx, cancel := context.WithTimeout(ctx, c.policyTimeout)
	defer cancel()

	type result struct {
		d   policy.Decision
		err error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := c.policy.Evaluate(pctx, pc)
		ch <- result{d, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() == nil && errors.Is(r.err, context.DeadlineExceeded) {
			return policy.Decision{}, &TimeoutError{TransactionID: tx.id, After: c.policyTimeout}
		}
		return r.d, r.err
	case <-pctx.Done():
		if err := ctx.Err(); err != nil {
			return policy.Decision{}, err
		}
		return policy.Decision{}, &TimeoutError{TransactionID: tx.id, After: c.policyTimeout}
	}
}

// overdrawn lists assets whose balance would turn negative if every
// staged amount were applied.
func (c *Coordinator) overdrawn(ctx context.Context, drafts []Draft) ([]string, error) {
	deltas := make(map[string]*apd.Decimal)
	var assets []string
	for _, d := range drafts {
		if d.AssetID == "" {
			continue
		}
		amount, ok, err := ir.Event{Payload: d.Payload}.Amount()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		sum, seen := deltas[d.AssetID]
		if !seen {
			sum = new(apd.Decimal)
			deltas[d.AssetID] = sum
			assets = append(assets, d.AssetID)
		}
		if err := ir.AddAmount(sum, amount); err != nil {
			return nil, err
		}
	}

	var out []string
	for _, asset := range assets {
		delta := deltas[asset]
		if delta.Sign() >= 0 {
			continue
		}
		balance, err := c.balances.Balance(ctx, asset)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", asset, err)
		}
		total := new(apd.Decimal).Set(balance)
		if err := ir.AddAmount(total, delta); err != nil {
			return nil, err
		}
		if total.Sign() < 0 {
			out = append(out, asset)
		}
	}
	slices.Sort(out)
	return out, nil
}

// fail aborts tx and returns the error Commit reports. An Abort that
// raced the commit wins: its reason is kept and Commit reports
// AbortedError.
func (c *Coordinator) fail(ctx context.Context, tx *transaction, reason string, cause error) error {
	tx.mu.Lock()
	already := tx.status == ir.TxAborted
	if !already {
		tx.status = ir.TxAborted
		tx.abortReason = reason
		tx.drafts = nil
	}
	abortReason := tx.abortReason
	tx.mu.Unlock()
	c.retire(tx.id, abortReason)

	if already {
		return &AbortedError{TransactionID: tx.id, Reason: abortReason, Err: cause}
	}
	if cause == nil || (ctx.Err() != nil && errors.Is(cause, ctx.Err())) {
		return &AbortedError{TransactionID: tx.id, Reason: reason, Err: ctx.Err()}
	}
	c.logger.Debug("transaction aborted", "tx", tx.id, "origin", tx.origin, "reason", reason, "error", cause)
	return fmt.Errorf("commit %s: %w", tx.id, cause)
}

// Abort discards an Open or Validating transaction. A commit in progress
// is interrupted unless it has already started appending.
func (c *Coordinator) Abort(ctx context.Context, txID, reason string) error {
	tx, err := c.lookup(txID, "abort")
	if err != nil {
		return err
	}
	tx.mu.Lock()
	if !tx.status.Pending() || tx.appending {
		st := tx.status
		tx.mu.Unlock()
		return &InvalidStateError{TransactionID: txID, Op: "abort", Status: st}
	}
	if reason == "" {
		reason = "aborted by caller"
	}
	tx.status = ir.TxAborted
	tx.abortReason = reason
	tx.drafts = nil
	if tx.cancel != nil {
		tx.cancel()
	}
	tx.mu.Unlock()

	c.retire(txID, reason)
	c.logger.Debug("transaction aborted", "tx", txID, "origin", tx.origin, "reason", reason)
	return nil
}

// Status returns the state of a transaction. Committed transactions are
// found in the store after they leave the coordinator.
func (c *Coordinator) Status(ctx context.Context, txID string) (ir.TxStatus, error) {
	c.mu.Lock()
	tx, ok := c.active[txID]
	_, aborted := c.aborted[txID]
	c.mu.Unlock()
	if ok {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		return tx.status, nil
	}
	if aborted {
		return ir.TxAborted, nil
	}
	if _, err := c.store.Transaction(ctx, txID); err == nil {
		return ir.TxCommitted, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	return "", &NotFoundError{TransactionID: txID}
}

// Pending returns the ids of transactions that are Open or Validating.
func (c *Coordinator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Coordinator) lookup(txID, op string) (*transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx, ok := c.active[txID]; ok {
		return tx, nil
	}
	if _, ok := c.aborted[txID]; ok {
		return nil, &InvalidStateError{TransactionID: txID, Op: op, Status: ir.TxAborted}
	}
	return nil, &NotFoundError{TransactionID: txID}
}

// retire moves an aborted transaction out of the active set.
func (c *Coordinator) retire(txID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[txID]; !ok {
		return
	}
	delete(c.active, txID)
	c.aborted[txID] = reason
	c.abortedOrder = append(c.abortedOrder, txID)
	if len(c.abortedOrder) > retainedAborts {
		delete(c.aborted, c.abortedOrder[0])
		c.abortedOrder = c.abortedOrder[1:]
	}
}

func (c *Coordinator) notifyAudit(ctx context.Context, tx *transaction, events []ir.Event, at time.Time) {
	rec, err := audit.NewRecord(tx.id, tx.id, tx.origin, tx.caller.Subject, events, at,
		audit.WithRequestContext(tx.request), audit.WithRationale(tx.rationale))
	if err != nil {
		c.logger.Warn("audit record not built", "tx", tx.id, "error", err)
		return
	}
	c.auditor.Notify(context.WithoutCancel(ctx), rec)
}
