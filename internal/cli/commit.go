package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Misty4119/nds-api/internal/engine"
	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/txn"
)

// CommitOptions holds flags for the commit command.
type CommitOptions struct {
	*RootOptions
	Asset  string
	Amount string
	Scope  string
	Reason string
	Type   string
	File   string
	Mode   string
	Token  string

	TraceID       string
	CorrelationID string
	Meta          map[string]string
	Rationale     string
}

// CommitResult is printed for a committed transaction.
type CommitResult struct {
	TransactionID string      `json:"transaction_id"`
	Origin        ir.OriginID `json:"origin"`
	FirstSeq      uint64      `json:"first_seq"`
	LastSeq       uint64      `json:"last_seq"`
	Events        int         `json:"events"`
}

// NewCommitCommand creates the commit command.
func NewCommitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CommitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit one transaction",
		Long: `Stage events and commit them as one transaction on this node.

A single asset delta comes from --asset and --amount. Several drafts can
be read from a JSON array with --file (use - for stdin):

  [{"type": "ASSET_UPDATED", "asset_id": "gold", "scope": "PLAYER",
    "payload": {"amount": "-12.50", "reason": "shop"}}]

Examples:
  nds commit --asset gold --amount 100
  nds commit --asset gold --amount -5 --mode EVENTUAL
  nds commit --file drafts.json --format json
  nds commit --asset gold --amount -5 --trace-id req-42 --rationale why.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Asset, "asset", "", "asset id")
	cmd.Flags().StringVar(&opts.Amount, "amount", "", "exact decimal delta, e.g. -12.50")
	cmd.Flags().StringVar(&opts.Scope, "scope", string(ir.ScopePlayer), "asset scope")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded in the payload")
	cmd.Flags().StringVar(&opts.Type, "type", string(ir.EventAssetUpdated), "event type")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "JSON array of drafts (- for stdin)")
	cmd.Flags().StringVar(&opts.Mode, "mode", string(ir.ModeStrong), "consistency mode (STRONG|EVENTUAL|OPTIMISTIC)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "identity token")
	cmd.Flags().StringVar(&opts.TraceID, "trace-id", "", "trace id stored with the transaction")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation-id", "", "correlation id (defaults to --trace-id)")
	cmd.Flags().StringToStringVar(&opts.Meta, "meta", nil, "request metadata as key=value pairs")
	cmd.Flags().StringVar(&opts.Rationale, "rationale", "", "JSON file with the audit rationale")

	return cmd
}

func runCommit(opts *CommitOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	drafts, err := opts.drafts(cmd.InOrStdin())
	if err != nil {
		return f.Fail(ExitCommandError, "invalid drafts", err)
	}
	begin := []txn.BeginOption{txn.WithMode(ir.ConsistencyMode(opts.Mode))}
	if opts.Token != "" {
		begin = append(begin, txn.WithToken(opts.Token))
	}
	rc := ir.RequestContext{TraceID: opts.TraceID, CorrelationID: opts.CorrelationID, Meta: opts.Meta}
	if !rc.IsZero() {
		begin = append(begin, txn.WithRequestContext(rc))
	}
	if opts.Rationale != "" {
		data, err := os.ReadFile(opts.Rationale)
		if err != nil {
			return f.Fail(ExitCommandError, "invalid rationale", err)
		}
		var r ir.Rationale
		if err := json.Unmarshal(data, &r); err != nil {
			return f.Fail(ExitCommandError, "invalid rationale", fmt.Errorf("parse %s: %w", opts.Rationale, err))
		}
		begin = append(begin, txn.WithRationale(r))
	}

	return opts.withNode(cmd, func(ctx context.Context, n *engine.Node) error {
		rec, err := n.Commit(ctx, drafts, begin...)
		if err != nil {
			return f.Fail(ExitFailure, "commit failed", err)
		}
		res := CommitResult{
			TransactionID: rec.TransactionID,
			Origin:        rec.Origin,
			FirstSeq:      rec.Range.First,
			LastSeq:       rec.Range.Last,
			Events:        len(rec.Events),
		}
		return f.Success(res, func(w io.Writer) {
			fmt.Fprintf(w, "✓ Committed %s: %d event(s), %s seq %d..%d\n",
				res.TransactionID, res.Events, res.Origin, res.FirstSeq, res.LastSeq)
		})
	})
}

func (opts *CommitOptions) drafts(stdin io.Reader) ([]txn.Draft, error) {
	if opts.File != "" {
		if opts.Asset != "" || opts.Amount != "" {
			return nil, fmt.Errorf("--file cannot be combined with --asset/--amount")
		}
		var data []byte
		var err error
		if opts.File == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(opts.File)
		}
		if err != nil {
			return nil, err
		}
		var drafts []txn.Draft
		if err := json.Unmarshal(data, &drafts); err != nil {
			return nil, fmt.Errorf("parse %s: %w", opts.File, err)
		}
		if len(drafts) == 0 {
			return nil, fmt.Errorf("%s holds no drafts", opts.File)
		}
		return drafts, nil
	}

	if opts.Asset == "" || opts.Amount == "" {
		return nil, fmt.Errorf("--asset and --amount are required without --file")
	}
	payload := ir.Object{"amount": ir.String(opts.Amount)}
	if opts.Reason != "" {
		payload["reason"] = ir.String(opts.Reason)
	}
	return []txn.Draft{{
		Type:    ir.EventType(opts.Type),
		AssetID: opts.Asset,
		Scope:   ir.AssetScope(opts.Scope),
		Payload: payload,
	}}, nil
}
