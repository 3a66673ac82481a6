package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Misty4119/nds-api/internal/engine"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show heads, peers and projection progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return rootOpts.withNode(cmd, func(ctx context.Context, n *engine.Node) error {
				if err := n.Projections().CatchUp(ctx); err != nil {
					f.VerboseLog("projection catch-up incomplete: %v", err)
				}
				st, err := n.Status(ctx)
				if err != nil {
					return f.Fail(ExitFailure, "status failed", err)
				}
				return f.Success(st, func(w io.Writer) { writeStatus(w, st) })
			})
		},
	}
}

func writeStatus(w io.Writer, st engine.Status) {
	fmt.Fprintf(w, "Origin: %s\n", st.Origin)

	fmt.Fprintln(w, "\nHeads:")
	if len(st.Heads) == 0 {
		fmt.Fprintln(w, "  (empty)")
	}
	for _, o := range st.Heads.Origins() {
		fmt.Fprintf(w, "  %-20s %d\n", o, st.Heads[o])
	}
	for o, reason := range st.Halted {
		fmt.Fprintf(w, "  %-20s HALTED: %s\n", o, reason)
	}

	fmt.Fprintln(w, "\nPeers:")
	if len(st.Peers) == 0 {
		fmt.Fprintln(w, "  (none configured)")
	}
	for _, p := range st.Peers {
		line := fmt.Sprintf("  %-20s %-10s %s", p.Peer.ID, p.State, p.Peer.Address)
		if p.Failures > 0 {
			line += fmt.Sprintf(" failures=%d retry_at=%s last_error=%q", p.Failures, p.RetryAt.Format(time.RFC3339), p.LastError)
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w, "\nProjections:")
	names := make([]string, 0, len(st.Projections))
	for name := range st.Projections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ps := st.Projections[name]
		line := fmt.Sprintf("  %-20s %-10s folded=%v", name, ps.Status, ps.Folded)
		if ps.Error != "" {
			line += " error=" + ps.Error
		}
		fmt.Fprintln(w, line)
	}
	if len(st.Pending) > 0 {
		fmt.Fprintf(w, "\nOpen transactions: %d\n", len(st.Pending))
	}
}
