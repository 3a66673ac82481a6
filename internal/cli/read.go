package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Misty4119/nds-api/internal/engine"
	"github.com/Misty4119/nds-api/internal/ir"
)

// ReadOptions holds flags for the read command.
type ReadOptions struct {
	*RootOptions
	From  uint64
	To    uint64
	Asset string
	Tx    string
	Limit int
}

// NewReadCommand creates the read command.
func NewReadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "read [origin]",
		Short: "Read stored events",
		Long: `Read events from the local store.

With an origin, events are listed in seq order between --from and --to.
--asset lists the most recent events touching an asset and --tx lists one
transaction.

Examples:
  nds read node-a --from 10 --to 20
  nds read --asset gold --limit 5
  nds read --tx 3f2c... --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			origin := ""
			if len(args) == 1 {
				origin = args[0]
			}
			return runRead(opts, origin, cmd)
		},
	}

	cmd.Flags().Uint64Var(&opts.From, "from", 1, "first seq")
	cmd.Flags().Uint64Var(&opts.To, "to", 0, "last seq (0 = latest)")
	cmd.Flags().StringVar(&opts.Asset, "asset", "", "list events of an asset")
	cmd.Flags().StringVar(&opts.Tx, "tx", "", "list events of a transaction")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum events (0 = all)")

	return cmd
}

func runRead(opts *ReadOptions, origin string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	selectors := 0
	for _, set := range []bool{origin != "", opts.Asset != "", opts.Tx != ""} {
		if set {
			selectors++
		}
	}
	if selectors != 1 {
		return f.Fail(ExitCommandError, "invalid arguments", fmt.Errorf("give exactly one of origin, --asset or --tx"))
	}

	return opts.withNode(cmd, func(ctx context.Context, n *engine.Node) error {
		events, err := opts.collect(ctx, n, ir.OriginID(origin))
		if err != nil {
			return f.Fail(ExitFailure, "read failed", err)
		}
		return f.Success(events, func(w io.Writer) {
			if len(events) == 0 {
				fmt.Fprintln(w, "No events.")
				return
			}
			for _, ev := range events {
				amount, _ := ev.Payload.String("amount")
				fmt.Fprintf(w, "%-24s %-16s %-12s %-10s %s\n", ev.ID(), ev.Type, ev.AssetID, amount, ev.TransactionID)
			}
		})
	})
}

func (opts *ReadOptions) collect(ctx context.Context, n *engine.Node, origin ir.OriginID) ([]ir.Event, error) {
	st := n.Store()
	switch {
	case opts.Tx != "":
		return st.TransactionEvents(ctx, opts.Tx)
	case opts.Asset != "":
		stored, err := st.AssetEvents(ctx, opts.Asset, opts.Limit)
		if err != nil {
			return nil, err
		}
		out := make([]ir.Event, len(stored))
		for i, se := range stored {
			out[i] = se.Event
		}
		return out, nil
	}
	out := []ir.Event{}
	for ev, err := range st.ReadRange(ctx, origin, opts.From, opts.To) {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}
