package txn

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Misty4119/nds-api/internal/audit"
	"github.com/Misty4119/nds-api/internal/identity"
	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/policy"
	"github.com/Misty4119/nds-api/internal/schema"
	"github.com/Misty4119/nds-api/internal/store"
	"github.com/Misty4119/nds-api/internal/testutil"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), store.WithRegistry(schema.NewDefaultRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestCoordinator(t *testing.T, st *store.Store, opts ...Option) *Coordinator {
	t.Helper()
	clock := testutil.NewDeterministicClock()
	base := []Option{
		WithClock(clock.Now),
		WithIDGenerator(testutil.NewSequentialIDs("tx")),
	}
	return New(st, append(base, opts...)...)
}

func delta(asset, amount string) Draft {
	return Draft{
		Type:    ir.EventAssetUpdated,
		AssetID: asset,
		Scope:   ir.ScopePlayer,
		Payload: ir.Object{"amount": ir.String(amount)},
	}
}

func commitDeltas(t *testing.T, c *Coordinator, origin ir.OriginID, drafts ...Draft) Receipt {
	t.Helper()
	ctx := context.Background()
	id, err := c.Begin(ctx, origin)
	require.NoError(t, err)
	for _, d := range drafts {
		require.NoError(t, c.Stage(ctx, id, d))
	}
	receipt, err := c.Commit(ctx, id)
	require.NoError(t, err)
	return receipt
}

type recordingNotifier struct {
	mu      sync.Mutex
	records []audit.Record
}

func (r *recordingNotifier) Notify(_ context.Context, rec audit.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

type fixedBalances map[string]string

func (b fixedBalances) Balance(_ context.Context, asset string) (*apd.Decimal, error) {
	raw, ok := b[asset]
	if !ok {
		return new(apd.Decimal), nil
	}
	d, _, err := apd.NewFromString(raw)
	return d, err
}

func TestCommit_AssignsContiguousSeqs(t *testing.T) {
	st := newTestStore(t)
	c := newTestCoordinator(t, st)
	ctx := context.Background()

	receipt := commitDeltas(t, c, "a", delta("gold", "10"), delta("gold", "-3"), delta("silver", "1"))

	assert.Equal(t, "tx-0001", receipt.TransactionID)
	assert.Equal(t, uint64(1), receipt.Range.First)
	assert.Equal(t, uint64(3), receipt.Range.Last)
	assert.Equal(t, 3, receipt.Range.Appended)
	require.Len(t, receipt.Events, 3)
	for i, ev := range receipt.Events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, "tx-0001", ev.TransactionID)
		assert.Equal(t, schema.AssetDelta, ev.Schema)
		assert.Equal(t, "1.0.0", ev.SchemaVersion)
	}
	assert.Empty(t, receipt.Events[0].Parents)
	assert.Equal(t, []ir.EventID{{Origin: "a", Seq: 2}}, receipt.Events[2].Parents)

	latest, err := st.LatestSeq(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest)

	status, err := c.Status(ctx, receipt.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ir.TxCommitted, status)

	rec, err := st.Transaction(ctx, receipt.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.EventCount)
	assert.Equal(t, ir.ModeStrong, rec.Mode)

	second := commitDeltas(t, c, "a", delta("gold", "1"))
	assert.Equal(t, uint64(4), second.Range.First)
	assert.Equal(t, []ir.EventID{{Origin: "a", Seq: 3}}, second.Events[0].Parents)
}

func TestCommit_ParentsCoverOtherOrigins(t *testing.T) {
	st := newTestStore(t)
	c := newTestCoordinator(t, st)
	ctx := context.Background()

	remote := testutil.NewChain("b")
	b1, b2 := remote.Delta("gold", "5"), remote.Delta("gold", "5")
	_, err := st.Append(ctx, "b", []ir.Event{b1, b2})
	require.NoError(t, err)

	receipt := commitDeltas(t, c, "a", delta("gold", "1"))
	ev := receipt.Events[0]
	assert.Equal(t, []ir.EventID{{Origin: "b", Seq: 2}}, ev.Parents)
	assert.Equal(t, ir.VectorClock{"a": 1, "b": 2}, ev.Clock)
}

func TestAbort_LeavesLatestSeqUnchanged(t *testing.T) {
	st := newTestStore(t)
	c := newTestCoordinator(t, st)
	ctx := context.Background()

	commitDeltas(t, c, "a", delta("gold", "1"))

	id, err := c.Begin(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, c.Stage(ctx, id, delta("gold", "2")))
	require.NoError(t, c.Stage(ctx, id, delta("gold", "3")))
	require.NoError(t, c.Abort(ctx, id, "changed my mind"))

	latest, err := st.LatestSeq(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest)

	status, err := c.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ir.TxAborted, status)

	_, err = c.Commit(ctx, id)
	assert.True(t, IsInvalidState(err), "commit after abort: %v", err)
	err = c.Abort(ctx, id, "again")
	assert.True(t, IsInvalidState(err))
	assert.Equal(t, ir.CodeInvalidState, ir.CodeOf(err))
	assert.True(t, IsInvalidState(c.Stage(ctx, id, delta("gold", "1"))))
	assert.Empty(t, c.Pending())
}

func TestAbort_AfterCommitIsIllegal(t *testing.T) {
	st := newTestStore(t)
	c := newTestCoordinator(t, st)
	receipt := commitDeltas(t, c, "a", delta("gold", "1"))

	err := c.Abort(context.Background(), receipt.TransactionID, "too late")
	assert.True(t, IsNotFound(err) || IsInvalidState(err), "got %v", err)
}

func TestStatus_Unknown(t *testing.T) {
	c := newTestCoordinator(t, newTestStore(t))
	_, err := c.Status(context.Background(), "nope")
	assert.True(t, IsNotFound(err))
	assert.Equal(t, ir.CodeTransactionNotFound, ir.CodeOf(err))
}

func TestCommit_PolicyDenied(t *testing.T) {
	st := newTestStore(t)
	deny := policy.EvaluatorFunc(func(context.Context, policy.Context) (policy.Decision, error) {
		return policy.Denied("no-gold", "gold is frozen"), nil
	})
	c := newTestCoordinator(t, st, WithPolicy(deny))
	ctx := context.Background()

	id, err := c.Begin(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, c.Stage(ctx, id, delta("gold", "1")))
	_, err = c.Commit(ctx, id)

	require.Error(t, err)
	assert.True(t, IsPolicyDenied(err))
	assert.Equal(t, ir.CodePolicyDenied, ir.CodeOf(err))
	assert.Contains(t, err.Error(), "gold is frozen")

	latest, err := st.LatestSeq(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, latest)
	status, err := c.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ir.TxAborted, status)
}

func TestCommit_PolicyTimeout(t *testing.T) {
	st := newTestStore(t)
	release := make(chan struct{})
	defer close(release)
	stuck := policy.EvaluatorFunc(func(context.Context, policy.Context) (policy.Decision, error) {
		<-release
		return policy.Allowed(), nil
	})
	c := newTestCoordinator(t, st, WithPolicy(stuck), WithPolicyTimeout(20*time.Millisecond))
	ctx := context.Background()

	id, err := c.Begin(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, c.Stage(ctx, id, delta("gold", "1")))
	_, err = c.Commit(ctx, id)

	assert.True(t, IsTimeout(err), "got %v", err)
	assert.Equal(t, ir.CodeTimeout, ir.CodeOf(err))
	latest, err := st.LatestSeq(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, latest)
}

func TestCommit_InsufficientBalance(t *testing.T) {
	st := newTestStore(t)
	rules, err := policy.NewCELEvaluator([]policy.Rule{policy.InsufficientBalanceRule})
	require.NoError(t, err)
	c := newTestCoordinator(t, st, WithPolicy(rules), WithBalances(fixedBalances{"gold": "10"}))
	ctx := context.Background()

	id, err := c.Begin(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, c.Stage(ctx, id, delta("gold", "-7")))
	require.NoError(t, c.Stage(ctx, id, delta("gold", "-8.50")))
	_, err = c.Commit(ctx, id)
	assert.Equal(t, ir.CodeInsufficientBalance, ir.CodeOf(err))

	commitDeltas(t, c, "a", delta("gold", "-7"), delta("gold", "-3.00"))

	id, err = c.Begin(ctx, "a", WithMode(ir.ModeEventual))
	require.NoError(t, err)
	require.NoError(t, c.Stage(ctx, id, delta("gold", "-100")))
	_, err = c.Commit(ctx, id)
	assert.NoError(t, err, "eventual transactions skip the overdraft check")
}

// ledgerBalances sums committed amounts straight from the store and
// stalls before returning, so concurrent checks overlap.
type ledgerBalances struct {
	st    *store.Store
	stall time.Duration
}

func (b ledgerBalances) Balance(ctx context.Context, asset string) (*apd.Decimal, error) {
	events, err := b.st.Tail(ctx, 0, 1000)
	if err != nil {
		return nil, err
	}
	sum := new(apd.Decimal)
	for _, se := range events {
		if se.Event.AssetID != asset {
			continue
		}
		amount, ok, err := se.Event.Amount()
		if err != nil {
			return nil, err
		}
		if ok {
			if err := ir.AddAmount(sum, amount); err != nil {
				return nil, err
			}
		}
	}
	time.Sleep(b.stall)
	return sum, nil
}

func TestCommit_ConcurrentStrongSpendsCannotOverdraw(t *testing.T) {
	st := newTestStore(t)
	rules, err := policy.NewCELEvaluator([]policy.Rule{policy.InsufficientBalanceRule})
	require.NoError(t, err)
	c := newTestCoordinator(t, st, WithPolicy(rules), WithBalances(ledgerBalances{st: st, stall: 20 * time.Millisecond}))
	ctx := context.Background()
	commitDeltas(t, c, "a", delta("gold", "100"))

	const spenders = 4
	errs := make([]error, spenders)
	var wg sync.WaitGroup
	for i := range spenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := c.Begin(ctx, "a")
			if err != nil {
				errs[i] = err
				return
			}
			if err := c.Stage(ctx, id, delta("gold", "-80")); err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = c.Commit(ctx, id)
		}()
	}
	wg.Wait()

	committed := 0
	for _, err := range errs {
		if err == nil {
			committed++
			continue
		}
		assert.Equal(t, ir.CodeInsufficientBalance, ir.CodeOf(err), "got %v", err)
	}
	assert.Equal(t, 1, committed)

	balance, err := ledgerBalances{st: st}.Balance(ctx, "gold")
	require.NoError(t, err)
	assert.Equal(t, "20", balance.Text('f'))
}

func TestCommit_AbortInterruptsValidation(t *testing.T) {
	st := newTestStore(t)
	started := make(chan struct{})
	waiting := policy.EvaluatorFunc(func(ctx context.Context, _ policy.Context) (policy.Decision, error) {
		close(started)
		<-ctx.Done()
		return policy.Decision{}, ctx.Err()
	})
	c := newTestCoordinator(t, st, WithPolicy(waiting), WithPolicyTimeout(time.Minute))
	ctx := context.Background()

	id, err := c.Begin(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, c.Stage(ctx, id, delta("gold", "1")))

	errc := make(chan error, 1)
	go func() {
		_, err := c.Commit(ctx, id)
		errc <- err
	}()
	<-started

	status, err := c.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ir.TxValidating, status)
	require.NoError(t, c.Abort(ctx, id, "operator"))

	err = <-errc
	assert.True(t, IsAborted(err), "got %v", err)
	latest, err := st.LatestSeq(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, latest)
}

func TestCommit_CancelledContext(t *testing.T) {
	st := newTestStore(t)
	c := newTestCoordinator(t, st)

	id, err := c.Begin(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, c.Stage(context.Background(), id, delta("gold", "1")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Commit(ctx, id)
	require.Error(t, err)
	assert.Equal(t, ir.CodeCancelled, ir.CodeOf(err))

	latest, err := st.LatestSeq(context.Background(), "a")
	require.NoError(t, err)
	assert.Zero(t, latest)
}

func TestStage_RejectsInvalidDrafts(t *testing.T) {
	c := newTestCoordinator(t, newTestStore(t))
	ctx := context.Background()
	id, err := c.Begin(ctx, "a")
	require.NoError(t, err)

	err = c.Stage(ctx, id, delta("gold", "ten"))
	assert.Equal(t, ir.CodeInvalidEvent, ir.CodeOf(err))

	err = c.Stage(ctx, id, Draft{Type: ir.EventConflict, Schema: ir.SchemaConflict, Payload: ir.Object{}})
	assert.Equal(t, ir.CodeInvalidEvent, ir.CodeOf(err))

	err = c.Stage(ctx, id, Draft{Type: "BOGUS"})
	assert.Equal(t, ir.CodeInvalidEvent, ir.CodeOf(err))

	status, err := c.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ir.TxOpen, status)

	_, err = c.Begin(ctx, "a", WithMode("SOMETIMES"))
	assert.Error(t, err)
}

func TestBegin_RequiresIdentity(t *testing.T) {
	verifier := identity.Static{
		"alice-token": {Subject: "alice", Origin: "a", Type: ir.IdentityPlayer},
		"root-token":  {Subject: "root", Origin: "ops", Type: ir.IdentitySystem},
	}
	c := newTestCoordinator(t, newTestStore(t), WithIdentity(verifier))
	ctx := context.Background()

	_, err := c.Begin(ctx, "a")
	assert.True(t, identity.IsPermissionDenied(err))

	_, err = c.Begin(ctx, "b", WithToken("alice-token"))
	assert.Equal(t, ir.CodePermissionDenied, ir.CodeOf(err))

	_, err = c.Begin(ctx, "a", WithToken("bogus"))
	assert.True(t, identity.IsPermissionDenied(err))

	_, err = c.Begin(ctx, "a", WithToken("alice-token"))
	assert.NoError(t, err)
	_, err = c.Begin(ctx, "b", WithToken("root-token"))
	assert.NoError(t, err)
}

func TestCommit_NotifiesAuditAndListeners(t *testing.T) {
	st := newTestStore(t)
	notifier := &recordingNotifier{}
	c := newTestCoordinator(t, st, WithAuditor(notifier))

	var receipts []Receipt
	c.OnCommit(func(r Receipt) { receipts = append(receipts, r) })

	receipt := commitDeltas(t, c, "a", delta("gold", "1"), delta("silver", "2"))

	require.Len(t, receipts, 1)
	assert.Equal(t, receipt.TransactionID, receipts[0].TransactionID)
	require.Len(t, notifier.records, 1)
	rec := notifier.records[0]
	assert.Equal(t, receipt.TransactionID, rec.TransactionID)
	assert.Equal(t, []ir.EventID{{Origin: "a", Seq: 1}, {Origin: "a", Seq: 2}}, rec.Events)
	assert.Equal(t, []string{"gold", "silver"}, rec.Assets)
	assert.NotEmpty(t, rec.Digest)

	// Empty transactions commit without events and without notifications.
	empty := commitDeltas(t, c, "a")
	assert.Empty(t, empty.Events)
	assert.Len(t, receipts, 1)
	assert.Len(t, notifier.records, 1)
}

func TestCommit_CarriesRequestContextAndRationale(t *testing.T) {
	st := newTestStore(t)
	notifier := &recordingNotifier{}
	c := newTestCoordinator(t, st, WithAuditor(notifier))
	ctx := context.Background()

	rationale := ir.Rationale{
		Source:         "market-bot",
		Confidence:     "0.8",
		ThoughtPath:    []string{"price dropped", "buy"},
		EvidenceEvents: []ir.EventID{{Origin: "b", Seq: 7}},
		RiskScore:      "0.05",
		Metadata:       map[string]string{"model": "v2"},
	}
	id, err := c.Begin(ctx, "a",
		WithRequestContext(ir.RequestContext{TraceID: "trace-9", Meta: map[string]string{"region": "eu"}}),
		WithRationale(rationale))
	require.NoError(t, err)
	require.NoError(t, c.Stage(ctx, id, delta("gold", "5")))
	_, err = c.Commit(ctx, id)
	require.NoError(t, err)

	rec, err := st.Transaction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "trace-9", rec.Request.TraceID)
	assert.Equal(t, "trace-9", rec.Request.CorrelationID)
	assert.Equal(t, map[string]string{"region": "eu"}, rec.Request.Meta)
	require.NotNil(t, rec.Rationale)
	assert.Equal(t, rationale, *rec.Rationale)

	require.Len(t, notifier.records, 1)
	audited := notifier.records[0]
	require.NotNil(t, audited.Request)
	assert.Equal(t, "trace-9", audited.Request.TraceID)
	require.NotNil(t, audited.Rationale)
	assert.Equal(t, "market-bot", audited.Rationale.Source)
	digest, err := audited.ComputeDigest()
	require.NoError(t, err)
	assert.Equal(t, audited.Digest, digest)
}

func TestBegin_RejectsInvalidRationale(t *testing.T) {
	st := newTestStore(t)
	c := newTestCoordinator(t, st)
	ctx := context.Background()

	for _, r := range []ir.Rationale{
		{Confidence: "0.5"},
		{Source: "bot", Confidence: "1.5"},
		{Source: "bot", RiskScore: "high"},
		{Source: "bot", EvidenceRefs: []ir.RationaleRef{{Hash: "abc"}}},
	} {
		_, err := c.Begin(ctx, "a", WithRationale(r))
		assert.Error(t, err, "%+v", r)
	}
	assert.Empty(t, c.Pending())
}

func TestCommit_ConcurrentWritersStayContiguous(t *testing.T) {
	st := newTestStore(t)
	c := New(st)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := c.Begin(ctx, "a")
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, c.Stage(ctx, id, delta("gold", "1")))
			assert.NoError(t, c.Stage(ctx, id, delta("gold", "1")))
			_, err = c.Commit(ctx, id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	latest, err := st.LatestSeq(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2*writers), latest)

	report, err := st.Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report.Problems)
}
