package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Misty4119/nds-api/internal/config"
	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/projection"
	"github.com/Misty4119/nds-api/internal/replication"
	"github.com/Misty4119/nds-api/internal/testutil"
	"github.com/Misty4119/nds-api/internal/txn"
)

func testConfig(t *testing.T, origin string, peers ...string) config.Config {
	t.Helper()
	cfg, err := config.Default(origin, t.TempDir())
	require.NoError(t, err)
	cfg.Audit.Sink = config.SinkNone
	for _, p := range peers {
		cfg.Sync.Peers = append(cfg.Sync.Peers, replication.Peer{ID: p, Address: p})
	}
	return cfg
}

func newTestNode(t *testing.T, cfg config.Config, opts ...Option) *Node {
	t.Helper()
	clock := testutil.NewDeterministicClock()
	opts = append([]Option{
		WithClock(clock.Now),
		WithIDGenerator(testutil.NewSequentialIDs("tx-" + cfg.Node.Origin)),
	}, opts...)
	n, err := NewNode(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func credit(asset, amount string) txn.Draft {
	return txn.Draft{
		Type:    ir.EventAssetUpdated,
		AssetID: asset,
		Scope:   ir.ScopePlayer,
		Payload: ir.Object{"amount": ir.String(amount)},
	}
}

func balance(t *testing.T, n *Node, asset string) string {
	t.Helper()
	d, err := n.Projections().Balance(context.Background(), asset)
	require.NoError(t, err)
	return d.String()
}

func TestNode_CommitFoldsAndVerifies(t *testing.T) {
	n := newTestNode(t, testConfig(t, "a"))
	ctx := context.Background()

	rec, err := n.Commit(ctx, []txn.Draft{credit("gold", "10"), credit("gold", "5")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Range.First)
	assert.Equal(t, uint64(2), rec.Range.Last)

	require.NoError(t, n.Projections().CatchUp(ctx))
	assert.Equal(t, "15", balance(t, n, "gold"))

	digests, err := n.VerifyProjections(ctx)
	require.NoError(t, err)
	assert.Contains(t, digests, projection.BalancesName)

	st, err := n.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.OriginID("a"), st.Origin)
	assert.Equal(t, ir.VectorClock{"a": 2}, st.Heads)
	assert.Empty(t, st.Pending)
	assert.Equal(t, 1, st.Notices, "the commit notice waits for the loop")
	assert.Contains(t, st.Projections, projection.BalancesName)
}

func TestNode_StagingFailureAborts(t *testing.T) {
	n := newTestNode(t, testConfig(t, "a"))
	ctx := context.Background()

	_, err := n.Commit(ctx, []txn.Draft{credit("gold", "1"), {Type: "BOGUS"}})
	require.Error(t, err)
	assert.Equal(t, ir.CodeInvalidEvent, ir.CodeOf(err))
	assert.Empty(t, n.Coordinator().Pending())

	latest, err := n.Store().LatestSeq(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, latest)
}

func TestNode_OverdraftDenied(t *testing.T) {
	n := newTestNode(t, testConfig(t, "a"))
	ctx := context.Background()

	_, err := n.Commit(ctx, []txn.Draft{credit("gold", "-1")})
	require.Error(t, err)
	assert.Equal(t, ir.CodeInsufficientBalance, ir.CodeOf(err))
}

func TestNode_SyncBetweenPeers(t *testing.T) {
	net := replication.NewMemoryNetwork()
	a := newTestNode(t, testConfig(t, "a", "b"), WithDialer(net))
	b := newTestNode(t, testConfig(t, "b", "a"), WithDialer(net))
	net.Listen("a", a.Responder())
	net.Listen("b", b.Responder())
	ctx := context.Background()

	_, err := a.Commit(ctx, []txn.Draft{credit("gold", "10")})
	require.NoError(t, err)
	_, err = a.Commit(ctx, []txn.Draft{credit("gold", "3")})
	require.NoError(t, err)

	res, err := b.Replication().SyncPeer(ctx, "a")
	require.NoError(t, err)
	net.Wait()
	assert.Equal(t, 2, res.Applied)

	st, err := b.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.VectorClock{"a": 2}, st.Heads)
	assert.Equal(t, 1, st.Notices, "applied events queue a sync notice")

	require.NoError(t, b.Projections().CatchUp(ctx))
	assert.Equal(t, "13", balance(t, b, "gold"))

	_, err = b.VerifyProjections(ctx)
	require.NoError(t, err)
}

func TestNode_RunWakesProjections(t *testing.T) {
	cfg := testConfig(t, "a")
	cfg.Projection.Interval = time.Hour
	n := newTestNode(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	_, err := n.Commit(context.Background(), []txn.Draft{credit("gold", "7")})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		d, err := n.Projections().Balance(context.Background(), "gold")
		return err == nil && d.String() == "7"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNode_ExportArchive(t *testing.T) {
	n := newTestNode(t, testConfig(t, "a"))
	ctx := context.Background()
	for _, amt := range []string{"1", "2", "3"} {
		_, err := n.Commit(ctx, []txn.Draft{credit("gold", amt)})
		require.NoError(t, err)
	}

	exp, err := n.Exporter(ctx)
	require.NoError(t, err)
	seg, err := exp.ExportRange(ctx, "a", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, seg.Count)
	assert.NoError(t, exp.Verify(ctx, seg))
}

func TestNewNode_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, "a")
	cfg.Policy.Merge = "last-writer-wins"

	_, err := NewNode(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, IsStartupError(err))
}

func TestNode_ClosedRejectsWork(t *testing.T) {
	n := newTestNode(t, testConfig(t, "a"))
	require.NoError(t, n.Close())
	require.NoError(t, n.Close(), "Close is idempotent")

	_, err := n.Commit(context.Background(), []txn.Draft{credit("gold", "1")})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, n.Run(context.Background()), ErrClosed)
}

func TestNode_StrongSpendSeesOwnCommits(t *testing.T) {
	n := newTestNode(t, testConfig(t, "a"))
	ctx := context.Background()

	_, err := n.Commit(ctx, []txn.Draft{credit("gold", "10")})
	require.NoError(t, err)
	_, err = n.Commit(ctx, []txn.Draft{credit("gold", "-4")})
	require.NoError(t, err, "the credit is folded before the overdraft check")
	_, err = n.Commit(ctx, []txn.Draft{credit("gold", "-7")})
	assert.Equal(t, ir.CodeInsufficientBalance, ir.CodeOf(err))

	assert.Equal(t, "6", balance(t, n, "gold"))
}
