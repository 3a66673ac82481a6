package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/apd/v3"
	"golang.org/x/time/rate"

	"github.com/Misty4119/nds-api/internal/archive"
	"github.com/Misty4119/nds-api/internal/audit"
	"github.com/Misty4119/nds-api/internal/compiler"
	"github.com/Misty4119/nds-api/internal/config"
	"github.com/Misty4119/nds-api/internal/conflict"
	"github.com/Misty4119/nds-api/internal/identity"
	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/observability"
	"github.com/Misty4119/nds-api/internal/policy"
	"github.com/Misty4119/nds-api/internal/projection"
	"github.com/Misty4119/nds-api/internal/replication"
	"github.com/Misty4119/nds-api/internal/schema"
	"github.com/Misty4119/nds-api/internal/store"
	"github.com/Misty4119/nds-api/internal/txn"
	"github.com/Misty4119/nds-api/internal/wsnet"
)

// SyncPath is where the WebSocket responder is mounted.
const SyncPath = "/sync"

const shutdownTimeout = 10 * time.Second

// Option adjusts NewNode.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	dialer    replication.Dialer
	manifest  *compiler.Manifest
	metrics   *observability.Provider
	auditSink audit.Sink
	now       func() time.Time
	ids       txn.IDGenerator
	version   string
	repl      []replication.Option
}

// WithLogger sets the base logger for every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDialer replaces the WebSocket dialer, e.g. with a MemoryNetwork.
func WithDialer(d replication.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithManifest uses an already compiled manifest instead of
// policy.manifest from the config.
func WithManifest(m *compiler.Manifest) Option {
	return func(o *options) { o.manifest = m }
}

// WithMetrics uses p instead of building a provider from the config.
func WithMetrics(p *observability.Provider) Option {
	return func(o *options) { o.metrics = p }
}

// WithAuditSink delivers audit records to s instead of the configured sink.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) { o.auditSink = s }
}

// WithClock sets the wall clock for timestamps and backoff.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator sets the transaction id source.
func WithIDGenerator(g txn.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithReplicationOptions appends opts after the configured replication
// options.
func WithReplicationOptions(opts ...replication.Option) Option {
	return func(o *options) { o.repl = append(o.repl, opts...) }
}

// WithVersion is reported as the telemetry service version.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// Node is one running ledger participant.
type Node struct {
	cfg    config.Config
	origin ir.OriginID
	logger *slog.Logger

	store       *store.Store
	registry    *schema.Registry
	coordinator *txn.Coordinator
	resolver    *conflict.Resolver
	replication *replication.Engine
	responder   *replication.Responder
	projections *projection.Engine
	issuer      *identity.TokenIssuer
	metrics     *observability.Provider
	ownMetrics  bool

	notices *noticeQueue
	wake    chan struct{}

	closers []func(context.Context) error

	mu     sync.Mutex
	closed bool
}

// NewNode opens the store and wires every component described by cfg.
// On error everything opened so far is closed again.
func NewNode(ctx context.Context, cfg config.Config, opts ...Option) (n *Node, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, &StartupError{Component: "config", Err: err}
	}
	o := options{
		logger:  slog.Default(),
		now:     time.Now,
		version: "dev",
	}
	for _, opt := range opts {
		opt(&o)
	}

	n = &Node{
		cfg:     cfg,
		origin:  ir.OriginID(cfg.Node.Origin),
		logger:  o.logger.With("node", cfg.Node.Origin),
		notices: newNoticeQueue(),
		wake:    make(chan struct{}, 1),
	}
	defer func() {
		if err != nil {
			_ = n.shutdown(context.WithoutCancel(ctx))
		}
	}()

	if err := n.openTelemetry(ctx, o); err != nil {
		return nil, err
	}
	manifest, err := n.loadManifest(o)
	if err != nil {
		return nil, err
	}
	if err := n.openStore(manifest); err != nil {
		return nil, err
	}

	verifier, err := n.openIdentity(o)
	if err != nil {
		return nil, err
	}
	evaluator, err := n.buildPolicy(manifest)
	if err != nil {
		return nil, err
	}
	notifier, err := n.openAudit(ctx, o)
	if err != nil {
		return nil, err
	}
	if err := n.openProjections(ctx, manifest); err != nil {
		return nil, err
	}

	copts := []txn.Option{
		txn.WithRegistry(n.registry),
		txn.WithPolicy(evaluator),
		txn.WithPolicyTimeout(cfg.Policy.Timeout),
		txn.WithAuditor(notifier),
		txn.WithClock(o.now),
		txn.WithMetrics(n.metrics),
		txn.WithLogger(n.logger.With("component", "txn")),
	}
	if verifier != nil {
		copts = append(copts, txn.WithIdentity(verifier))
	}
	if cfg.Policy.Overdraft {
		copts = append(copts, txn.WithBalances(freshBalances{n.projections}))
	}
	if o.ids != nil {
		copts = append(copts, txn.WithIDGenerator(o.ids))
	}
	n.coordinator = txn.New(n.store, copts...)
	n.coordinator.OnCommit(func(r txn.Receipt) {
		n.notices.Enqueue(Notice{Kind: NoticeCommit, Origin: r.Origin, TransactionID: r.TransactionID, Events: len(r.Events)})
	})

	if err := n.openReplication(o, verifier); err != nil {
		return nil, err
	}
	n.logger.Info("node ready", "store", cfg.Store.Path, "peers", len(cfg.Sync.Peers))
	return n, nil
}

func (n *Node) openTelemetry(ctx context.Context, o options) error {
	if o.metrics != nil {
		n.metrics = o.metrics
		return nil
	}
	p, err := observability.New(ctx, n.cfg.Telemetry.Provider(o.version))
	if err != nil {
		return &StartupError{Component: "telemetry", Err: err}
	}
	n.metrics = p
	n.ownMetrics = true
	return nil
}

func (n *Node) loadManifest(o options) (*compiler.Manifest, error) {
	if o.manifest != nil {
		return o.manifest, nil
	}
	if n.cfg.Policy.Manifest == "" {
		return &compiler.Manifest{}, nil
	}
	m, err := compiler.Compile(n.cfg.Policy.Manifest)
	if err != nil {
		return nil, &StartupError{Component: "manifest", Err: err}
	}
	if err := m.Err(); err != nil {
		return nil, &StartupError{Component: "manifest", Err: err}
	}
	return m, nil
}

func (n *Node) openStore(m *compiler.Manifest) error {
	reg, err := m.Registry()
	if err != nil {
		return &StartupError{Component: "schema", Err: err}
	}
	n.registry = reg

	if dir := filepath.Dir(n.cfg.Store.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &StartupError{Component: "store", Err: err}
		}
	}
	st, err := store.Open(n.cfg.Store.Path,
		store.WithDriver(n.cfg.Store.Driver),
		store.WithRegistry(reg),
		store.WithLogger(n.logger.With("component", "store")),
	)
	if err != nil {
		return &StartupError{Component: "store", Err: err}
	}
	n.store = st
	n.closers = append(n.closers, func(context.Context) error { return st.Close() })
	return nil
}

// openIdentity returns the verifier to enforce, or nil when tokens are
// not required. The issuer is kept whenever a seed is configured.
func (n *Node) openIdentity(o options) (identity.Verifier, error) {
	ic := n.cfg.Identity
	if ic.Seed == "" {
		return nil, nil
	}
	seed, err := ic.SeedBytes()
	if err != nil {
		return nil, &StartupError{Component: "identity", Err: err}
	}
	keys, err := identity.KeySetFromSeed(ic.KeyID, seed)
	if err != nil {
		return nil, &StartupError{Component: "identity", Err: err}
	}
	n.issuer = identity.NewTokenIssuer(keys, o.now)
	if !ic.Required {
		return nil, nil
	}
	return identity.NewJWTVerifier(keys, o.now), nil
}

func (n *Node) buildPolicy(m *compiler.Manifest) (policy.Evaluator, error) {
	rules := slices.Concat(n.cfg.Policy.Rules, m.Rules())
	if n.cfg.Policy.Overdraft {
		rules = append(rules, policy.InsufficientBalanceRule)
	}
	if len(rules) == 0 {
		return policy.AllowAll{}, nil
	}
	ev, err := policy.NewCELEvaluator(rules)
	if err != nil {
		return nil, &StartupError{Component: "policy", Err: err}
	}
	return ev, nil
}

func (n *Node) openAudit(ctx context.Context, o options) (audit.Notifier, error) {
	ac := n.cfg.Audit
	sink := o.auditSink
	if sink == nil {
		switch ac.Sink {
		case config.SinkNone:
			return audit.Discard{}, nil
		case config.SinkLog:
			sink = audit.LogSink{Logger: n.logger.With("component", "audit")}
		case config.SinkPostgres:
			pg, err := audit.OpenPostgres(ctx, ac.DSN)
			if err != nil {
				return nil, &StartupError{Component: "audit", Err: err}
			}
			n.closers = append(n.closers, func(context.Context) error { return pg.Close() })
			sink = pg
		}
	}
	d := audit.NewDispatcher(sink,
		audit.WithQueueSize(ac.QueueSize),
		audit.WithWorkers(ac.Workers),
		audit.WithWriteTimeout(ac.WriteTimeout),
		audit.WithLogger(n.logger.With("component", "audit")),
	)
	n.closers = append(n.closers, d.Close)
	return d, nil
}

func (n *Node) openProjections(ctx context.Context, m *compiler.Manifest) error {
	pc := n.cfg.Projection
	popts := []projection.Option{
		projection.WithBatchSize(pc.BatchSize),
		projection.WithMetrics(n.metrics),
		projection.WithLogger(n.logger.With("component", "projection")),
	}
	if pc.Interval > 0 {
		popts = append(popts, projection.WithInterval(pc.Interval))
	}
	if pc.Redis.Addr != "" {
		mirror := projection.NewRedisMirror(pc.Redis.Addr, pc.Redis.Password, pc.Redis.DB, pc.Redis.Prefix)
		n.closers = append(n.closers, func(context.Context) error { return mirror.Close() })
		if err := mirror.Ping(ctx); err != nil {
			return &StartupError{Component: "projection mirror", Err: err}
		}
		popts = append(popts, projection.WithMirror(mirror))
	}
	n.projections = projection.New(n.store, n.registry, popts...)

	var filter projection.Filter
	if len(pc.Assets) > 0 {
		f, err := projection.NewGlobFilter(pc.Assets...)
		if err != nil {
			return &StartupError{Component: "projection", Err: err}
		}
		filter = f
	}
	extra, err := m.BuildProjections()
	if err != nil {
		return &StartupError{Component: "projection", Err: err}
	}
	for _, p := range projection.Builtins() {
		if filter != nil {
			p = projection.Filtered(p, filter)
		}
		if err := n.projections.Register(ctx, p); err != nil {
			return &StartupError{Component: "projection", Err: err}
		}
	}
	for _, p := range extra {
		if err := n.projections.Register(ctx, p); err != nil {
			return &StartupError{Component: "projection", Err: err}
		}
	}
	return nil
}

func (n *Node) openReplication(o options, verifier identity.Verifier) error {
	sc := n.cfg.Sync
	var mp conflict.MergePolicy = conflict.ClockSumPolicy{}
	if n.cfg.Policy.Merge == config.MergeCommutative {
		mp = conflict.CommutativePolicy{}
	}
	n.resolver = conflict.New(n.store,
		conflict.WithLocalOrigin(n.origin),
		conflict.WithMergePolicy(mp),
		conflict.WithWindow(n.cfg.Policy.Window),
		conflict.WithClock(o.now),
		conflict.WithMetrics(n.metrics),
		conflict.WithLogger(n.logger.With("component", "conflict")),
	)

	dialer := o.dialer
	if dialer == nil {
		dialer = wsnet.NewDialer()
	}
	limit := rate.Inf
	if sc.RateLimit > 0 {
		limit = rate.Limit(sc.RateLimit)
	}
	ropts := []replication.Option{
		replication.WithNode(n.origin),
		replication.WithToken(sc.Token),
		replication.WithBatchLimit(sc.BatchLimit),
		replication.WithRoundTimeout(sc.RoundTimeout),
		replication.WithInterval(sc.Interval),
		replication.WithBackoff(sc.Backoff),
		replication.WithRateLimit(limit, sc.Burst),
		replication.WithClock(o.now),
		replication.WithMetrics(n.metrics),
		replication.WithLogger(n.logger.With("component", "replication")),
		replication.WithAppliedHook(func(r replication.RoundResult) {
			n.notices.Enqueue(Notice{Kind: NoticeSync, Peer: r.Peer, Events: r.Applied})
		}),
	}
	n.replication = replication.New(n.store, n.resolver, dialer, append(ropts, o.repl...)...)
	for _, p := range sc.Peers {
		if err := n.replication.AddPeer(p); err != nil {
			return &StartupError{Component: "replication", Err: err}
		}
	}

	respOpts := []replication.ResponderOption{
		replication.WithResponderLimit(sc.BatchLimit),
		replication.WithResponderLogger(n.logger.With("component", "responder")),
		replication.WithHelloHook(func(h replication.Hello) {
			// A peer that dials in has news; pull from it if we know it.
			if _, ok := n.replication.State(string(h.Node)); ok {
				n.replication.Trigger(string(h.Node))
			}
		}),
	}
	if verifier != nil {
		respOpts = append(respOpts, replication.WithVerifier(verifier))
	}
	n.responder = replication.NewResponder(n.store, n.origin, respOpts...)
	return nil
}

// freshBalances folds outstanding events before reading, so a STRONG
// check sees every commit that came before it.
type freshBalances struct {
	e *projection.Engine
}

func (b freshBalances) Balance(ctx context.Context, asset string) (*apd.Decimal, error) {
	if err := b.e.CatchUp(ctx); err != nil {
		return nil, err
	}
	return b.e.Balance(ctx, asset)
}

// Origin is this node's origin id.
func (n *Node) Origin() ir.OriginID { return n.origin }

// Config returns the configuration the node was built from.
func (n *Node) Config() config.Config { return n.cfg }

func (n *Node) Store() *store.Store { return n.store }
func (n *Node) Registry() *schema.Registry { return n.registry }
func (n *Node) Coordinator() *txn.Coordinator { return n.coordinator }
func (n *Node) Replication() *replication.Engine { return n.replication }
func (n *Node) Responder() *replication.Responder { return n.responder }
func (n *Node) Projections() *projection.Engine { return n.projections }
func (n *Node) Metrics() *observability.Provider { return n.metrics }
func (n *Node) Issuer() *identity.TokenIssuer { return n.issuer }

// Handler serves the sync protocol over WebSocket.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(SyncPath, wsnet.NewHandler(n.responder, n.logger.With("component", "wsnet")))
	return mux
}

// Commit stages drafts in one transaction and commits it. A failed stage
// aborts the transaction.
func (n *Node) Commit(ctx context.Context, drafts []txn.Draft, opts ...txn.BeginOption) (txn.Receipt, error) {
	if n.isClosed() {
		return txn.Receipt{}, ErrClosed
	}
	txID, err := n.coordinator.Begin(ctx, n.origin, opts...)
	if err != nil {
		return txn.Receipt{}, err
	}
	for _, d := range drafts {
		if err := n.coordinator.Stage(ctx, txID, d); err != nil {
			_ = n.coordinator.Abort(ctx, txID, err.Error())
			return txn.Receipt{}, err
		}
	}
	return n.coordinator.Commit(ctx, txID)
}

// Exporter opens the configured archive store.
func (n *Node) Exporter(ctx context.Context) (*archive.Exporter, error) {
	blobs, err := archive.Open(ctx, n.cfg.Archive.Config)
	if err != nil {
		return nil, err
	}
	return archive.New(n.store, blobs,
		archive.WithMetrics(n.metrics),
		archive.WithLogger(n.logger.With("component", "archive")),
	), nil
}

// Run folds projections, syncs with peers and serves the sync endpoint
// when sync.listen is set, until ctx is cancelled. Background loops log
// their own failures; Run returns the first error that stopped a loop.
func (n *Node) Run(ctx context.Context) error {
	if n.isClosed() {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	start("projections", func(ctx context.Context) error { return n.projections.Run(ctx, n.wake) })
	start("replication", n.replication.Run)
	start("notices", n.loop)
	if n.cfg.Sync.Listen != "" {
		start("listener", n.serve)
	}
	n.logger.Info("node running", "listen", n.cfg.Sync.Listen)
	wg.Wait()
	return errors.Join(errs...)
}

// loop is the single reader of the notice queue.
func (n *Node) loop(ctx context.Context) error {
	for {
		for {
			notice, ok := n.notices.TryDequeue()
			if !ok {
				break
			}
			n.handle(notice)
		}
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-n.notices.Wait():
			if !ok {
				return nil
			}
		}
	}
}

func (n *Node) handle(notice Notice) {
	select {
	case n.wake <- struct{}{}:
	default:
	}
	if notice.Kind == NoticeCommit {
		n.replication.Trigger("")
	}
	n.logger.Debug("notice", "kind", notice.Kind, "origin", notice.Origin, "tx", notice.TransactionID,
		"peer", notice.Peer, "events", notice.Events)
}

func (n *Node) serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.Sync.Listen)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           n.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	n.logger.Info("sync endpoint listening", "addr", ln.Addr().String(), "path", SyncPath)
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Status is a point-in-time summary of a node.
type Status struct {
	Origin      ir.OriginID                 `json:"origin"`
	Heads       ir.VectorClock              `json:"heads"`
	Pending     []string                    `json:"pending"`
	Halted      map[ir.OriginID]string      `json:"halted,omitempty"`
	Peers       []replication.PeerStatus    `json:"peers"`
	Projections map[string]ProjectionStatus `json:"projections"`
	Notices     int                         `json:"queued_notices"`
}

// ProjectionStatus is one projection's state in Status.
type ProjectionStatus struct {
	Status projection.Status `json:"status"`
	Folded ir.VectorClock    `json:"folded"`
	Error  string            `json:"error,omitempty"`
}

// Status collects heads, peers and projection progress.
func (n *Node) Status(ctx context.Context) (Status, error) {
	heads, err := n.store.Heads(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Origin:      n.origin,
		Heads:       heads,
		Pending:     n.coordinator.Pending(),
		Peers:       n.replication.Status(),
		Projections: map[string]ProjectionStatus{},
		Notices:     n.notices.Len(),
	}
	if halted := n.store.Halted(); len(halted) > 0 {
		st.Halted = make(map[ir.OriginID]string, len(halted))
		for o, err := range halted {
			st.Halted[o] = err.Error()
		}
	}
	for _, name := range n.projections.Names() {
		ps := ProjectionStatus{}
		ps.Status, err = n.projections.Status(name)
		if err != nil {
			ps.Error = err.Error()
		}
		ps.Folded, _ = n.projections.Folded(name)
		st.Projections[name] = ps
	}
	return st, nil
}

// VerifyProjections replays every projection from genesis and compares
// digests with the live state. Mismatches are joined into the error.
func (n *Node) VerifyProjections(ctx context.Context) (map[string]string, error) {
	if err := n.projections.CatchUp(ctx); err != nil {
		return nil, err
	}
	digests := make(map[string]string)
	var errs []error
	for _, name := range n.projections.Names() {
		live, replayed, err := n.projections.Verify(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		digests[name] = live
		if live != replayed {
			errs = append(errs, &ProjectionMismatchError{Projection: name, Live: live, Replayed: replayed})
		}
	}
	return digests, errors.Join(errs...)
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Close stops accepting notices, drains audit delivery and closes the
// store. Run must have returned first.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return n.shutdown(ctx)
}

func (n *Node) shutdown(ctx context.Context) error {
	n.notices.Close()
	var errs []error
	// Closers run in reverse so the store outlives audit delivery.
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	if n.ownMetrics {
		if err := n.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
