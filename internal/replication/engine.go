package replication

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/Misty4119/nds-api/internal/conflict"
	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/observability"
	"github.com/Misty4119/nds-api/internal/store"
)

// PeerState is where a peer's current round is.
type PeerState string

const (
	StateIdle       PeerState = "IDLE"
	StateRequesting PeerState = "REQUESTING"
	StateReceiving  PeerState = "RECEIVING"
	StateApplying   PeerState = "APPLYING"
)

const (
	defaultRoundTimeout = 30 * time.Second
	defaultInterval     = 5 * time.Second
	triggerBuffer       = 64
)

// RoundResult describes one completed or failed sync round.
type RoundResult struct {
	Peer       string
	Requested  []RequestRange
	Received   int
	Applied    int
	Duplicates int
	Deferred   int
	Conflicts  []conflict.Resolution
	// Watermark is the watermark after the round. On failure it is the
	// unchanged starting watermark.
	Watermark ir.Watermark
	Token     ResumeToken
	Duration  time.Duration
}

// PeerStatus is a snapshot of one peer for status output.
type PeerStatus struct {
	Peer      Peer
	State     PeerState
	Failures  int
	RetryAt   time.Time
	LastError string
}

type peerState struct {
	peer    Peer
	round   sync.Mutex
	limiter *rate.Limiter

	// Guarded by Engine.mu.
	state    PeerState
	busy     bool
	failures int
	retryAt  time.Time
	lastErr  error
}

// Option configures an Engine.
type Option func(*Engine)

// WithNode sets the local origin announced in Hello. Ranges of this
// origin are never requested.
func WithNode(origin ir.OriginID) Option {
	return func(e *Engine) { e.node = origin }
}

// WithToken sets the token presented to peers without their own.
func WithToken(token string) Option {
	return func(e *Engine) { e.token = token }
}

// WithBatchLimit sets the events asked for per RequestRange.
func WithBatchLimit(n int) Option {
	return func(e *Engine) { e.batch = n }
}

// WithRoundTimeout bounds one round.
func WithRoundTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithInterval sets how often Run syncs every peer.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithBackoff sets the retry schedule for failed rounds.
func WithBackoff(b Backoff) Option {
	return func(e *Engine) { e.backoff = b }
}

// WithRateLimit limits rounds per peer to r per second with burst.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(e *Engine) {
		e.rps = r
		e.burst = burst
	}
}

// WithClock sets the time source for durations and backoff.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics reports rounds to p.
func WithMetrics(p *observability.Provider) Option {
	return func(e *Engine) { e.metrics = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithAppliedHook calls fn after every round that appended events, even
// one that later failed. fn must not block.
func WithAppliedHook(fn func(RoundResult)) Option {
	return func(e *Engine) { e.onApplied = fn }
}

// WithBeforeSave runs fn after a round is applied and before its watermark
// is persisted. An error aborts the round with the watermark unchanged,
// which is how fault-injection scenarios simulate a crash.
func WithBeforeSave(fn func(ir.Watermark) error) Option {
	return func(e *Engine) { e.beforeSave = fn }
}

// Engine pulls missing events from peers.
type Engine struct {
	store    *store.Store
	resolver *conflict.Resolver
	dialer   Dialer
	node     ir.OriginID
	token    string
	batch    int
	timeout  time.Duration
	interval time.Duration
	backoff  Backoff
	rps      rate.Limit
	burst    int
	now      func() time.Time
	metrics  *observability.Provider
	logger   *slog.Logger

	onApplied func(RoundResult)

	beforeSave func(ir.Watermark) error

	mu      sync.Mutex
	peers   map[string]*peerState
	trigger chan string
	wg      sync.WaitGroup
}

// New returns an engine applying received events through resolver.
func New(st *store.Store, resolver *conflict.Resolver, dialer Dialer, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		resolver: resolver,
		dialer:   dialer,
		batch:    DefaultBatchLimit,
		timeout:  defaultRoundTimeout,
		interval: defaultInterval,
		backoff:  DefaultBackoff,
		rps:      rate.Inf,
		burst:    1,
		now:      time.Now,
		logger:   slog.Default().With("component", "replication"),
		peers:    map[string]*peerState{},
		trigger:  make(chan string, triggerBuffer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddPeer registers p, replacing a peer with the same ID.
func (e *Engine) AddPeer(p Peer) error {
	if p.ID == "" || p.Address == "" {
		return fmt.Errorf("peer needs id and address: %+v", p)
	}
	if ir.OriginID(p.ID) == e.node {
		return fmt.Errorf("peer %s is the local node", p.ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers[p.ID] = &peerState{peer: p, limiter: rate.NewLimiter(e.rps, e.burst), state: StateIdle}
	return nil
}

// RemovePeer forgets a peer. Its watermark stays in the store.
func (e *Engine) RemovePeer(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, id)
}

// Peers returns the registered peers sorted by ID.
func (e *Engine) Peers() []Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Peer, 0, len(e.peers))
	for _, ps := range e.peers {
		out = append(out, ps.peer)
	}
	slices.SortFunc(out, func(a, b Peer) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// State returns the round state of peer id.
func (e *Engine) State(id string) (PeerState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps, ok := e.peers[id]
	if !ok {
		return "", false
	}
	return ps.state, true
}

// Status returns a snapshot of every peer sorted by ID.
func (e *Engine) Status() []PeerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PeerStatus, 0, len(e.peers))
	for _, ps := range e.peers {
		st := PeerStatus{Peer: ps.peer, State: ps.state, Failures: ps.failures, RetryAt: ps.retryAt}
		if ps.lastErr != nil {
			st.LastError = ps.lastErr.Error()
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b PeerStatus) int { return cmp.Compare(a.Peer.ID, b.Peer.ID) })
	return out
}

// SyncPeer runs one round with peer id.
func (e *Engine) SyncPeer(ctx context.Context, id string) (RoundResult, error) {
	ps, err := e.peer(id)
	if err != nil {
		return RoundResult{Peer: id}, err
	}
	return e.sync(ctx, ps, nil)
}

// SyncFrom runs one round with peer id starting from the watermark in
// token instead of the persisted one. Components above the local store's
// latest seq are lowered to it. The persisted watermark never moves
// backwards, so an old token only causes re-requests.
func (e *Engine) SyncFrom(ctx context.Context, id string, token ResumeToken) (RoundResult, error) {
	ps, err := e.peer(id)
	if err != nil {
		return RoundResult{Peer: id}, err
	}
	wm, err := token.Watermark()
	if err != nil {
		return RoundResult{Peer: id}, err
	}
	if wm.Peer != "" && wm.Peer != id {
		return RoundResult{Peer: id}, fmt.Errorf("resume token is for peer %s, not %s", wm.Peer, id)
	}
	wm.Peer = id
	return e.sync(ctx, ps, &wm)
}

// SyncAll runs one round with every peer concurrently. Failed rounds are
// joined into the returned error; results are returned for all peers.
func (e *Engine) SyncAll(ctx context.Context) (map[string]RoundResult, error) {
	e.mu.Lock()
	targets := make([]*peerState, 0, len(e.peers))
	for _, ps := range e.peers {
		targets = append(targets, ps)
	}
	e.mu.Unlock()
	slices.SortFunc(targets, func(a, b *peerState) int { return cmp.Compare(a.peer.ID, b.peer.ID) })

	results := make([]RoundResult, len(targets))
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, ps := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.sync(ctx, ps, nil)
		}()
	}
	wg.Wait()

	out := make(map[string]RoundResult, len(targets))
	for i, ps := range targets {
		out[ps.peer.ID] = results[i]
		if errs[i] != nil {
			errs[i] = fmt.Errorf("sync %s: %w", ps.peer.ID, errs[i])
		}
	}
	return out, errors.Join(errs...)
}

// Trigger asks Run to sync with peer id soon, or with every peer when id
// is empty. Peers in backoff wait for their retry time.
func (e *Engine) Trigger(id string) {
	select {
	case e.trigger <- id:
	default:
	}
}

// Run syncs every peer each interval and on Trigger until ctx is done.
// It waits for in-flight rounds before returning.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	defer e.wg.Wait()

	e.launch(ctx, "")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.launch(ctx, "")
		case id := <-e.trigger:
			e.launch(ctx, id)
		}
	}
}

// launch starts a round for every idle peer (or just id) whose backoff
// has expired.
func (e *Engine) launch(ctx context.Context, id string) {
	now := e.now()
	e.mu.Lock()
	var due []*peerState
	for _, ps := range e.peers {
		if id != "" && ps.peer.ID != id {
			continue
		}
		if ps.busy || now.Before(ps.retryAt) {
			continue
		}
		ps.busy = true
		due = append(due, ps)
	}
	e.mu.Unlock()

	for _, ps := range due {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() {
				e.mu.Lock()
				ps.busy = false
				e.mu.Unlock()
			}()
			_, _ = e.sync(ctx, ps, nil)
		}()
	}
}

func (e *Engine) peer(id string) (*peerState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps, ok := e.peers[id]
	if !ok {
		return nil, fmt.Errorf("unknown peer %q", id)
	}
	return ps, nil
}

func (e *Engine) setState(ps *peerState, s PeerState) {
	e.mu.Lock()
	ps.state = s
	e.mu.Unlock()
}

func (e *Engine) currentState(ps *peerState) PeerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ps.state
}

// sync serializes rounds per peer, applies the rate limit and timeout,
// and records the outcome for backoff.
func (e *Engine) sync(ctx context.Context, ps *peerState, start *ir.Watermark) (RoundResult, error) {
	ps.round.Lock()
	defer ps.round.Unlock()

	id := ps.peer.ID
	if err := ps.limiter.Wait(ctx); err != nil {
		return RoundResult{Peer: id}, err
	}

	ctx, span := e.metrics.StartSpan(ctx, observability.OpSyncRound,
		trace.WithAttributes(observability.Peer(id)))
	defer span.End()

	started := e.now()
	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	res, err := e.round(rctx, ps, start)
	cancel()
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = &TimeoutError{Peer: id, Op: string(e.currentState(ps))}
	}
	res.Duration = e.now().Sub(started)

	e.mu.Lock()
	ps.state = StateIdle
	if err == nil {
		ps.failures = 0
		ps.retryAt = time.Time{}
		ps.lastErr = nil
	} else if ctx.Err() == nil {
		ps.failures++
		ps.retryAt = e.now().Add(e.backoff.Delay(id, ps.failures))
		ps.lastErr = err
	}
	failures, retryAt := ps.failures, ps.retryAt
	e.mu.Unlock()

	e.metrics.RecordSyncRound(ctx, id, res.Received, res.Duration, err)
	if res.Applied > 0 && e.onApplied != nil {
		e.onApplied(res)
	}
	switch {
	case err == nil:
		e.logger.Debug("sync round complete", "peer", id, "received", res.Received, "applied", res.Applied,
			"duplicates", res.Duplicates, "deferred", res.Deferred, "conflicts", len(res.Conflicts))
	case Retryable(err):
		span.RecordError(err)
		e.logger.Warn("sync round failed", "peer", id, "error", err, "failures", failures, "retry_at", retryAt)
	default:
		span.RecordError(err)
		e.logger.Error("sync round failed", "peer", id, "error", err, "code", ir.CodeOf(err), "failures", failures)
	}
	return res, err
}

func (e *Engine) round(ctx context.Context, ps *peerState, start *ir.Watermark) (RoundResult, error) {
	id := ps.peer.ID
	res := RoundResult{Peer: id}

	var wm ir.Watermark
	if start != nil {
		var err error
		if wm, err = e.clamp(ctx, *start); err != nil {
			return res, err
		}
	} else {
		var err error
		if wm, err = e.store.LoadWatermark(ctx, id); err != nil {
			return res, err
		}
	}
	res.Watermark = ir.Watermark{Peer: id, Acked: wm.Acked.Clone()}

	e.setState(ps, StateRequesting)
	sess, err := e.dialer.Dial(ctx, ps.peer)
	if err != nil {
		return res, e.transportErr(ctx, id, err)
	}
	defer sess.Close()

	heads, err := e.store.Heads(ctx)
	if err != nil {
		return res, err
	}
	token := ps.peer.Token
	if token == "" {
		token = e.token
	}
	if err := sess.Send(ctx, helloMessage(Hello{Node: e.node, Heads: heads, Token: token})); err != nil {
		return res, e.transportErr(ctx, id, err)
	}
	reply, err := e.expect(ctx, sess, id, TypeHello)
	if err != nil {
		return res, err
	}
	remote := reply.Hello.Heads

	received := map[ir.OriginID]uint64{}
	for _, origin := range remote.Origins() {
		if origin == e.node {
			continue
		}
		head := remote.Get(origin)
		from := wm.Acked.Get(origin) + 1
		for from <= head {
			e.setState(ps, StateReceiving)
			req := RequestRange{Origin: origin, FromSeq: from, Limit: e.batch}
			res.Requested = append(res.Requested, req)
			if err := sess.Send(ctx, requestMessage(req)); err != nil {
				return res, e.transportErr(ctx, id, err)
			}
			msg, err := e.expect(ctx, sess, id, TypeEventBatch)
			if err != nil {
				return res, err
			}
			batch := msg.Batch
			if batch.WatermarkAck != nil {
				if err := e.store.RecordPeerAck(ctx, id, batch.WatermarkAck); err != nil {
					return res, err
				}
			}
			if len(batch.Events) == 0 {
				break
			}
			if err := checkBatch(id, origin, from, batch.Events); err != nil {
				return res, err
			}
			res.Received += len(batch.Events)

			e.setState(ps, StateApplying)
			out, err := e.resolver.Apply(ctx, batch.Events)
			if err != nil {
				return res, err
			}
			res.Applied += out.Applied
			res.Duplicates += out.Duplicates
			res.Deferred += len(out.Deferred)
			res.Conflicts = append(res.Conflicts, out.Conflicts...)

			last := batch.Events[len(batch.Events)-1].Seq
			received[origin] = last
			from = last + 1
			if !batch.More {
				break
			}
		}
	}

	// Deferred events may have been applied by later batches, so the
	// durable point is taken after the whole round.
	for origin, last := range received {
		latest, err := e.store.LatestSeq(ctx, origin)
		if err != nil {
			return res, err
		}
		if durable := min(last, latest); durable > wm.Acked.Get(origin) {
			wm.Acked[origin] = durable
		}
	}

	if e.beforeSave != nil {
		if err := e.beforeSave(wm); err != nil {
			return res, err
		}
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := e.store.SaveWatermark(ctx, wm); err != nil {
		return res, err
	}
	res.Watermark = wm
	if res.Token, err = NewResumeToken(wm); err != nil {
		return res, err
	}

	if err := sess.Send(ctx, ackMessage(Ack{Watermark: wm})); err != nil {
		e.logger.Warn("sync ack not delivered", "peer", id, "error", err)
	}
	return res, nil
}

// clamp lowers each component of a supplied watermark to what the store
// holds, so a token from another store cannot skip missing events.
func (e *Engine) clamp(ctx context.Context, wm ir.Watermark) (ir.Watermark, error) {
	out := ir.NewWatermark(wm.Peer)
	for origin, seq := range wm.Acked {
		latest, err := e.store.LatestSeq(ctx, origin)
		if err != nil {
			return out, err
		}
		if v := min(seq, latest); v > 0 {
			out.Acked[origin] = v
		}
	}
	return out, nil
}

func (e *Engine) expect(ctx context.Context, sess Session, peer string, want MessageType) (Message, error) {
	msg, err := sess.Recv(ctx)
	if err != nil {
		return msg, e.transportErr(ctx, peer, err)
	}
	if msg.Type == TypeError {
		return msg, &RemoteError{Peer: peer, Reported: msg.Error.Code, Message: msg.Error.Message}
	}
	if msg.Type != want {
		return msg, &ProtocolError{Peer: peer, Message: fmt.Sprintf("expected %s, got %s", want, msg.Type)}
	}
	return msg, nil
}

// transportErr classifies a dial, send or receive failure. Context errors
// pass through so the caller can tell cancellation from timeout.
func (e *Engine) transportErr(ctx context.Context, peer string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if IsPeerUnreachable(err) {
		return err
	}
	return &PeerUnreachableError{Peer: peer, Err: err}
}

// checkBatch makes sure a batch continues the requested range.
func checkBatch(peer string, origin ir.OriginID, from uint64, events []ir.Event) error {
	for i, ev := range events {
		if ev.Origin != origin || ev.Seq != from+uint64(i) {
			return &ProtocolError{Peer: peer, Message: fmt.Sprintf("batch for %s from %d contains %s at position %d", origin, from, ev.ID(), i)}
		}
	}
	return nil
}
