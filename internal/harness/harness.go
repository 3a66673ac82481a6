package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/Misty4119/nds-api/internal/compiler"
	"github.com/Misty4119/nds-api/internal/config"
	"github.com/Misty4119/nds-api/internal/engine"
	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/replication"
	"github.com/Misty4119/nds-api/internal/testutil"
	"github.com/Misty4119/nds-api/internal/txn"
)

// errCrash is returned by the fault hook of a node told to crash mid-sync.
var errCrash = errors.New("simulated crash")

// Harness executes one scenario. Nodes talk over an in-memory network and
// keep their SQLite files in a private temp directory, so a crashed node
// restarts from exactly what it had made durable.
type Harness struct {
	scenario *Scenario
	dir      string
	net      *replication.MemoryNetwork
	clock    *testutil.DeterministicClock
	manifest *compiler.Manifest
	logger   *slog.Logger
	nodes    map[string]*node
}

type node struct {
	spec  NodeSpec
	cfg   config.Config
	ids   *testutil.SequentialIDs
	crash atomic.Bool
	n     *engine.Node
}

// Run executes a scenario and returns its result. The returned error is
// reserved for harness failures (temp dir, manifest, node startup); a
// misbehaving ledger shows up in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "nds-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	h := &Harness{
		scenario: scenario,
		dir:      dir,
		net:      replication.NewMemoryNetwork(),
		clock:    testutil.NewDeterministicClock(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		nodes:    make(map[string]*node, len(scenario.Nodes)),
	}
	defer h.close()

	if scenario.Manifest != "" {
		m, err := compiler.Compile(scenario.Manifest)
		if err != nil {
			return nil, fmt.Errorf("failed to compile manifest: %w", err)
		}
		if err := m.Err(); err != nil {
			return nil, fmt.Errorf("invalid manifest: %w", err)
		}
		h.manifest = m
	}

	for _, spec := range scenario.Nodes {
		if err := h.addNode(ctx, spec); err != nil {
			return nil, err
		}
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s on %s): %w", i, step.Action, step.Node, err)
		}
	}
	h.net.Wait()

	for _, spec := range scenario.Nodes {
		nd := h.nodes[spec.ID]
		if err := nd.n.Projections().CatchUp(ctx); err != nil {
			result.AddError(fmt.Sprintf("node %s: projection catch-up: %v", spec.ID, err))
		}
		digests := map[string]string{}
		for _, name := range nd.n.Projections().Names() {
			if d, err := nd.n.Projections().Digest(name); err == nil {
				digests[name] = d
			}
		}
		result.Digests[spec.ID] = digests
	}

	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) addNode(ctx context.Context, spec NodeSpec) error {
	cfg, err := config.Default(spec.ID, filepath.Join(h.dir, spec.ID))
	if err != nil {
		return err
	}
	cfg.Audit.Sink = config.SinkNone
	if spec.Merge != "" {
		cfg.Policy.Merge = spec.Merge
	}
	if spec.Overdraft != nil {
		cfg.Policy.Overdraft = *spec.Overdraft
	}
	for _, p := range spec.Peers {
		cfg.Sync.Peers = append(cfg.Sync.Peers, replication.Peer{ID: p, Address: p})
	}

	nd := &node{spec: spec, cfg: cfg, ids: testutil.NewSequentialIDs("tx-" + spec.ID)}
	h.nodes[spec.ID] = nd
	return h.start(ctx, nd)
}

func (h *Harness) start(ctx context.Context, nd *node) error {
	opts := []engine.Option{
		engine.WithLogger(h.logger),
		engine.WithDialer(h.net),
		engine.WithClock(h.clock.Now),
		engine.WithIDGenerator(nd.ids),
		engine.WithReplicationOptions(replication.WithBeforeSave(func(ir.Watermark) error {
			if nd.crash.CompareAndSwap(true, false) {
				return errCrash
			}
			return nil
		})),
	}
	if h.manifest != nil {
		opts = append(opts, engine.WithManifest(h.manifest))
	}
	n, err := engine.NewNode(ctx, nd.cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to start node %s: %w", nd.spec.ID, err)
	}
	nd.n = n
	h.net.Listen(nd.spec.ID, n.Responder())
	return nil
}

// restart drops everything the node held in memory and reopens its store.
func (h *Harness) restart(ctx context.Context, nd *node) error {
	h.net.Wait()
	if err := nd.n.Close(); err != nil {
		return fmt.Errorf("failed to stop node %s: %w", nd.spec.ID, err)
	}
	return h.start(ctx, nd)
}

func (h *Harness) close() {
	h.net.Wait()
	for _, nd := range h.nodes {
		if nd.n != nil {
			_ = nd.n.Close()
		}
	}
}

// Node returns a running scenario node for inspection.
func (h *Harness) Node(id string) (*engine.Node, bool) {
	nd, ok := h.nodes[id]
	if !ok {
		return nil, false
	}
	return nd.n, true
}

func (h *Harness) execute(ctx context.Context, i int, step Step, result *Result) error {
	nd := h.nodes[step.Node]
	detail := map[string]any{}

	var stepErr error
	switch step.Action {
	case StepCommit:
		mode := step.Mode
		if mode == "" {
			mode = ir.ModeStrong
		}
		rec, err := nd.n.Commit(ctx, drafts(step.Deltas), txn.WithMode(mode))
		stepErr = err
		if err == nil {
			detail["tx"] = rec.TransactionID
			detail["first"] = rec.Range.First
			detail["last"] = rec.Range.Last
		}

	case StepAbort:
		coord := nd.n.Coordinator()
		txID, err := coord.Begin(ctx, nd.n.Origin())
		if err != nil {
			return err
		}
		for _, d := range drafts(step.Deltas) {
			if err := coord.Stage(ctx, txID, d); err != nil {
				return err
			}
		}
		stepErr = coord.Abort(ctx, txID, "scenario abort")
		status, err := coord.Status(ctx, txID)
		if err != nil {
			return err
		}
		detail["tx"] = txID
		detail["status"] = string(status)

	case StepSync:
		res, err := nd.n.Replication().SyncPeer(ctx, step.Peer)
		h.net.Wait()
		stepErr = err
		roundDetail(detail, res)

	case StepCrash:
		if step.During == StepSync {
			nd.crash.Store(true)
			res, err := nd.n.Replication().SyncPeer(ctx, step.Peer)
			nd.crash.Store(false)
			h.net.Wait()
			if !errors.Is(err, errCrash) {
				result.AddError(fmt.Sprintf("step %d: sync from %s did not reach the crash point: %v", i, step.Peer, err))
			}
			roundDetail(detail, res)
		}
		detail["pending_lost"] = len(nd.n.Coordinator().Pending())
		if err := h.restart(ctx, nd); err != nil {
			return err
		}

	case StepRebuild:
		stepErr = nd.n.Projections().Rebuild(ctx, step.Projection)
		if stepErr == nil {
			digest, err := nd.n.Projections().Digest(step.Projection)
			if err != nil {
				return err
			}
			detail["digest"] = digest
		}
	}

	if stepErr != nil {
		detail["error"] = string(ir.CodeOf(stepErr))
	}
	switch {
	case step.ExpectError == "" && stepErr != nil:
		result.AddError(fmt.Sprintf("step %d: %s on %s failed: %v", i, step.Action, step.Node, stepErr))
	case step.ExpectError != "" && stepErr == nil:
		result.AddError(fmt.Sprintf("step %d: %s on %s succeeded, want %s", i, step.Action, step.Node, step.ExpectError))
	case step.ExpectError != "" && ir.CodeOf(stepErr) != step.ExpectError:
		result.AddError(fmt.Sprintf("step %d: %s on %s failed with %s, want %s", i, step.Action, step.Node, ir.CodeOf(stepErr), step.ExpectError))
	}

	result.addTrace(i, step.Action, step.Node, detail)
	h.logger.Info("scenario step completed", "step", i, "action", step.Action, "node", step.Node)
	return nil
}

func roundDetail(detail map[string]any, res replication.RoundResult) {
	detail["received"] = res.Received
	detail["applied"] = res.Applied
	detail["duplicates"] = res.Duplicates
	detail["deferred"] = res.Deferred
	detail["conflicts"] = len(res.Conflicts)
}

func drafts(deltas []Delta) []txn.Draft {
	out := make([]txn.Draft, len(deltas))
	for i, d := range deltas {
		scope := d.Scope
		if scope == "" {
			scope = ir.ScopePlayer
		}
		payload := ir.Object{"amount": ir.String(d.Amount)}
		if d.Reason != "" {
			payload["reason"] = ir.String(d.Reason)
		}
		out[i] = txn.Draft{
			Type:    ir.EventAssetUpdated,
			AssetID: d.Asset,
			Scope:   scope,
			Payload: payload,
		}
	}
	return out
}
