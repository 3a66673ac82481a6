package conflict

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Misty4119/nds-api/internal/ir"
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

func newTestResolver(st *store.Store, opts ...Option) *Resolver {
	clock := testutil.NewDeterministicClock()
	return New(st, append([]Option{WithClock(clock.Now)}, opts...)...)
}

func appendLocal(t *testing.T, st *store.Store, events ...ir.Event) {
	t.Helper()
	_, err := st.Append(context.Background(), events[0].Origin, events)
	require.NoError(t, err)
}

// Origin A commits 1..3 on gold while B, having seen nothing, commits 1.
func TestApply_ConcurrentUpdatesAreResolvedAndKept(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	b := testutil.NewChain("b")
	b1 := b.Delta("gold", "100")
	appendLocal(t, st, b1)

	a := testutil.NewChain("a")
	batch := []ir.Event{a.Delta("gold", "1"), a.Delta("gold", "2"), a.Delta("gold", "3")}

	r := newTestResolver(st, WithLocalOrigin("b"))
	out, err := r.Apply(ctx, batch)
	require.NoError(t, err)

	assert.Equal(t, 3, out.Applied)
	assert.Empty(t, out.Deferred)
	require.Len(t, out.Conflicts, 3)

	first := out.Conflicts[0]
	assert.Equal(t, ir.EventID{Origin: "b", Seq: 1}, first.Winner, "equal clock sums fall back to origin")
	assert.Equal(t, ir.EventID{Origin: "a", Seq: 1}, first.Loser)
	assert.Equal(t, ir.EventID{Origin: "b", Seq: 2}, first.Marker)

	second := out.Conflicts[1]
	assert.Equal(t, ir.EventID{Origin: "a", Seq: 2}, second.Winner)
	assert.Equal(t, ir.EventID{Origin: "b", Seq: 1}, second.Loser)
	assert.Equal(t, ir.EventID{Origin: "b", Seq: 3}, second.Marker)

	third := out.Conflicts[2]
	assert.Equal(t, ir.EventID{Origin: "b", Seq: 1}, third.Loser)
	assert.Equal(t, ir.EventID{}, third.Marker, "b:1 is already compensated")

	// Nothing is discarded.
	for _, id := range []ir.EventID{{Origin: "a", Seq: 1}, {Origin: "a", Seq: 2}, {Origin: "a", Seq: 3}, {Origin: "b", Seq: 1}} {
		ok, err := st.Has(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, "%s missing", id)
	}

	marker, err := st.Get(ctx, first.Marker)
	require.NoError(t, err)
	assert.Equal(t, ir.EventConflict, marker.Type)
	rec, err := ir.ParseConflictRecord(marker.Payload)
	require.NoError(t, err)
	assert.Equal(t, first.Loser, rec.Loser)
	assert.Equal(t, ir.Object{"amount": ir.String("1")}, rec.Compensate)
	assert.Equal(t, "clock-sum", rec.Policy)

	conflicts, err := st.Conflicts(ctx, "gold")
	require.NoError(t, err)
	assert.Len(t, conflicts, 3)
}

func TestApply_SameInputsSameWinner(t *testing.T) {
	run := func() []Resolution {
		st := newTestStore(t)
		b := testutil.NewChain("b")
		appendLocal(t, st, b.Delta("gold", "5"))
		a := testutil.NewChain("a")
		out, err := newTestResolver(st, WithLocalOrigin("b")).Apply(context.Background(), []ir.Event{a.Delta("gold", "7")})
		require.NoError(t, err)
		return out.Conflicts
	}
	first, second := run(), run()
	require.Len(t, first, 1)
	assert.Equal(t, first, second)
}

func TestApply_RetransmissionIsNoop(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	b := testutil.NewChain("b")
	appendLocal(t, st, b.Delta("gold", "100"))

	a := testutil.NewChain("a")
	batch := []ir.Event{a.Delta("gold", "1"), a.Delta("gold", "2")}
	r := newTestResolver(st, WithLocalOrigin("b"))

	_, err := r.Apply(ctx, batch)
	require.NoError(t, err)
	heads, err := st.Heads(ctx)
	require.NoError(t, err)

	out, err := r.Apply(ctx, batch)
	require.NoError(t, err)
	assert.Zero(t, out.Applied)
	assert.Equal(t, 2, out.Duplicates)
	assert.Empty(t, out.Conflicts)
	assert.Equal(t, ir.VectorClock{"a": 2}, out.Heads)

	after, err := st.Heads(ctx)
	require.NoError(t, err)
	assert.Equal(t, heads, after)
}

func TestApply_DefersUntilParentArrives(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	r := newTestResolver(st)

	a := testutil.NewChain("a")
	a1 := a.Delta("gold", "1")
	c := testutil.NewChain("c")
	c.Observe(a1)
	c1 := c.Delta("gold", "2")

	out, err := r.Apply(ctx, []ir.Event{c1})
	require.NoError(t, err)
	assert.Zero(t, out.Applied)
	assert.Equal(t, []ir.EventID{c1.ID()}, out.Deferred)
	assert.Equal(t, []ir.EventID{c1.ID()}, r.Deferred())

	out, err = r.Apply(ctx, []ir.Event{a1})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Applied)
	assert.Empty(t, out.Deferred)
	assert.Empty(t, r.Deferred())
	assert.Empty(t, out.Conflicts, "c:1 saw a:1, so they are not concurrent")
}

func TestApply_TransactionIsAllOrNothing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	r := newTestResolver(st)

	c := testutil.NewChain("c")
	c1 := c.Delta("silver", "1")

	a := testutil.NewChain("a")
	a1 := a.Next("tx-1", "gold", "1")
	a.Observe(c1)
	a2 := a.Next("tx-1", "gold", "2")

	out, err := r.Apply(ctx, []ir.Event{a1, a2})
	require.NoError(t, err)
	assert.Zero(t, out.Applied)
	assert.ElementsMatch(t, []ir.EventID{a1.ID(), a2.ID()}, out.Deferred)

	latest, err := st.LatestSeq(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, latest, "a:1 must not be visible without a:2")

	out, err = r.Apply(ctx, []ir.Event{c1})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Applied)
	assert.Empty(t, r.Deferred())
}

func TestApply_DivergentContent(t *testing.T) {
	st := newTestStore(t)
	a := testutil.NewChain("a")
	a1 := a.Delta("gold", "1")
	appendLocal(t, st, a1)

	forged := a1
	forged.Payload = ir.Object{"amount": ir.String("1000")}
	_, err := newTestResolver(st).Apply(context.Background(), []ir.Event{forged})
	assert.True(t, store.IsConflict(err), "got %v", err)
	assert.Equal(t, ir.CodeConflict, ir.CodeOf(err))
}

func TestApply_KeepBothRecordsWithoutMarker(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	b := testutil.NewChain("b")
	appendLocal(t, st, b.Delta("gold", "5"))

	a := testutil.NewChain("a")
	r := newTestResolver(st, WithLocalOrigin("b"), WithMergePolicy(CommutativePolicy{}))
	out, err := r.Apply(ctx, []ir.Event{a.Delta("gold", "7")})
	require.NoError(t, err)

	require.Len(t, out.Conflicts, 1)
	assert.Equal(t, KeepBoth, out.Conflicts[0].Action)
	assert.Equal(t, "commutative", out.Conflicts[0].Policy)
	assert.Equal(t, ir.EventID{}, out.Conflicts[0].Marker)

	latest, err := st.LatestSeq(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest, "no marker written")
	conflicts, err := st.Conflicts(ctx, "gold")
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)
}

func TestApply_WithoutLocalOriginRecordsOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	b := testutil.NewChain("b")
	appendLocal(t, st, b.Delta("gold", "5"))
	a := testutil.NewChain("a")

	out, err := newTestResolver(st).Apply(ctx, []ir.Event{a.Delta("gold", "7")})
	require.NoError(t, err)
	require.Len(t, out.Conflicts, 1)
	assert.Equal(t, Compensate, out.Conflicts[0].Action)
	assert.Equal(t, ir.EventID{}, out.Conflicts[0].Marker)
}

func TestApply_OutsideWindowIsNotCompared(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	b := testutil.NewChain("b")
	appendLocal(t, st, b.Delta("gold", "5"))
	appendLocal(t, st, b.Delta("silver", "1"))
	appendLocal(t, st, b.Delta("gold", "1"))

	a := testutil.NewChain("a")
	out, err := newTestResolver(st, WithWindow(1)).Apply(ctx, []ir.Event{a.Delta("gold", "7")})
	require.NoError(t, err)
	require.Len(t, out.Conflicts, 1)
	assert.Equal(t, ir.EventID{Origin: "b", Seq: 3}, out.Conflicts[0].Winner)
}

func TestApply_WindowSkipsIncomingOrigin(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	b := testutil.NewChain("b")
	appendLocal(t, st, b.Delta("gold", "5"))

	// a's own earlier event is the most recent gold event in the store.
	a := testutil.NewChain("a")
	appendLocal(t, st, a.Delta("gold", "2"))

	out, err := newTestResolver(st, WithWindow(1)).Apply(ctx, []ir.Event{a.Delta("gold", "7")})
	require.NoError(t, err)
	require.Len(t, out.Conflicts, 1)
	pair := []ir.EventID{out.Conflicts[0].Winner, out.Conflicts[0].Loser}
	assert.ElementsMatch(t, []ir.EventID{{Origin: "a", Seq: 2}, {Origin: "b", Seq: 1}}, pair)
}
