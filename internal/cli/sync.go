package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Misty4119/nds-api/internal/engine"
	"github.com/Misty4119/nds-api/internal/ir"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Peers []string
}

// PeerRound summarises one sync round.
type PeerRound struct {
	Peer       string         `json:"peer"`
	Received   int            `json:"received"`
	Applied    int            `json:"applied"`
	Duplicates int            `json:"duplicates"`
	Deferred   int            `json:"deferred"`
	Conflicts  int            `json:"conflicts"`
	Watermark  ir.VectorClock `json:"watermark"`
	Token      string         `json:"resume_token,omitempty"`
	Error      string         `json:"error,omitempty"`
	Code       string         `json:"code,omitempty"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull once from each configured peer",
		Long: `Run one sync round with every configured peer, or only the peers named
with --peer. Unreachable peers are reported and do not stop the others.

Exit codes:
  0 - every round succeeded
  1 - at least one round failed
  2 - command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Peers, "peer", nil, "peer id to sync with (repeatable)")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	return opts.withNode(cmd, func(ctx context.Context, n *engine.Node) error {
		peers := opts.Peers
		if len(peers) == 0 {
			for _, p := range n.Config().Sync.Peers {
				peers = append(peers, p.ID)
			}
		}
		if len(peers) == 0 {
			return f.Fail(ExitCommandError, "nothing to sync", fmt.Errorf("no peers configured"))
		}

		rounds := make([]PeerRound, 0, len(peers))
		failed := 0
		for _, id := range peers {
			f.VerboseLog("Syncing with %s", id)
			res, err := n.Replication().SyncPeer(ctx, id)
			round := PeerRound{
				Peer:       id,
				Received:   res.Received,
				Applied:    res.Applied,
				Duplicates: res.Duplicates,
				Deferred:   res.Deferred,
				Conflicts:  len(res.Conflicts),
				Watermark:  res.Watermark.Acked,
				Token:      string(res.Token),
			}
			if err != nil {
				failed++
				round.Error = err.Error()
				round.Code = string(ir.CodeOf(err))
			}
			rounds = append(rounds, round)
		}
		if err := n.Projections().CatchUp(ctx); err != nil {
			f.VerboseLog("projection catch-up incomplete: %v", err)
		}

		if outErr := f.Success(rounds, func(w io.Writer) {
			for _, r := range rounds {
				if r.Error != "" {
					fmt.Fprintf(w, "✗ %-16s [%s] %s\n", r.Peer, r.Code, r.Error)
					continue
				}
				fmt.Fprintf(w, "✓ %-16s received=%d applied=%d duplicates=%d deferred=%d conflicts=%d\n",
					r.Peer, r.Received, r.Applied, r.Duplicates, r.Deferred, r.Conflicts)
			}
		}); outErr != nil {
			return outErr
		}
		if failed > 0 {
			return NewExitError(ExitFailure, fmt.Sprintf("%d of %d sync round(s) failed", failed, len(rounds)))
		}
		return nil
	})
}
