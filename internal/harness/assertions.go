package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"

	"github.com/Misty4119/nds-api/internal/engine"
	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Node     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s on %s\n", e.Type, e.Node)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion against the harness nodes and
// returns the failure messages. An empty slice means all passed.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		n, ok := h.Node(a.Node)
		if !ok {
			errs = append(errs, fmt.Sprintf("assertions[%d]: unknown node %q", i, a.Node))
			continue
		}
		if err := evaluate(ctx, n, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(ctx context.Context, n *engine.Node, a Assertion) error {
	switch a.Type {
	case AssertLatestSeq:
		return assertLatestSeq(ctx, n, a)
	case AssertEventExists:
		return assertEventExists(ctx, n, a)
	case AssertConflict:
		return assertConflict(ctx, n, a)
	case AssertBalance:
		return assertBalance(ctx, n, a)
	case AssertWatermark:
		return assertWatermark(ctx, n, a)
	case AssertFoldDeterministic:
		return assertFoldDeterministic(ctx, n, a)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

func assertLatestSeq(ctx context.Context, n *engine.Node, a Assertion) error {
	latest, err := n.Store().LatestSeq(ctx, ir.OriginID(a.Origin))
	if err != nil {
		return err
	}
	if latest != a.Seq {
		return &AssertionError{
			Type:     AssertLatestSeq,
			Node:     a.Node,
			Expected: fmt.Sprintf("latest seq of %s = %d", a.Origin, a.Seq),
			Actual:   fmt.Sprintf("%d", latest),
		}
	}
	return nil
}

func assertEventExists(ctx context.Context, n *engine.Node, a Assertion) error {
	want := a.Exists == nil || *a.Exists
	id := ir.EventID{Origin: ir.OriginID(a.Origin), Seq: a.Seq}
	got, err := n.Store().Has(ctx, id)
	if err != nil {
		return err
	}
	if got != want {
		return &AssertionError{
			Type:     AssertEventExists,
			Node:     a.Node,
			Expected: fmt.Sprintf("event %s present = %t", id, want),
			Actual:   fmt.Sprintf("present = %t", got),
		}
	}
	return nil
}

func assertConflict(ctx context.Context, n *engine.Node, a Assertion) error {
	conflicts, err := n.Store().Conflicts(ctx, a.Asset)
	if err != nil {
		return err
	}
	if len(conflicts) != a.Count {
		return &AssertionError{
			Type:     AssertConflict,
			Node:     a.Node,
			Expected: fmt.Sprintf("%d conflict(s) on %s", a.Count, a.Asset),
			Actual:   describeConflicts(conflicts),
		}
	}
	return nil
}

func describeConflicts(cs []store.Conflict) string {
	if len(cs) == 0 {
		return "none"
	}
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = fmt.Sprintf("%s beat %s (%s)", c.Winner, c.Loser, c.Policy)
	}
	return strings.Join(parts, ", ")
}

func assertBalance(ctx context.Context, n *engine.Node, a Assertion) error {
	want, _, err := apd.NewFromString(a.Equals)
	if err != nil {
		return fmt.Errorf("balance %q: %w", a.Equals, err)
	}
	got, err := n.Projections().Balance(ctx, a.Asset)
	if err != nil {
		return err
	}
	if got.Cmp(want) != 0 {
		return &AssertionError{
			Type:     AssertBalance,
			Node:     a.Node,
			Expected: fmt.Sprintf("balance of %s = %s", a.Asset, want),
			Actual:   got.String(),
		}
	}
	return nil
}

func assertWatermark(ctx context.Context, n *engine.Node, a Assertion) error {
	wm, err := n.Store().LoadWatermark(ctx, a.Peer)
	if err != nil {
		return err
	}
	got := wm.Acked.Get(ir.OriginID(a.Origin))
	if got != a.Seq {
		return &AssertionError{
			Type:     AssertWatermark,
			Node:     a.Node,
			Expected: fmt.Sprintf("watermark for %s from %s = %d", a.Origin, a.Peer, a.Seq),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

// assertFoldDeterministic replays from genesis and compares with the live
// fold.
func assertFoldDeterministic(ctx context.Context, n *engine.Node, a Assertion) error {
	if a.Projection == "" {
		_, err := n.VerifyProjections(ctx)
		return foldError(a, err)
	}
	if err := n.Projections().CatchUp(ctx); err != nil {
		return err
	}
	live, replayed, err := n.Projections().Verify(ctx, a.Projection)
	if err != nil {
		return err
	}
	if live != replayed {
		return foldError(a, &engine.ProjectionMismatchError{Projection: a.Projection, Live: live, Replayed: replayed})
	}
	return nil
}

func foldError(a Assertion, err error) error {
	var mismatch *engine.ProjectionMismatchError
	if errors.As(err, &mismatch) {
		return &AssertionError{
			Type:     AssertFoldDeterministic,
			Node:     a.Node,
			Expected: fmt.Sprintf("replayed %s digest = %s", mismatch.Projection, mismatch.Live),
			Actual:   mismatch.Replayed,
		}
	}
	return err
}
