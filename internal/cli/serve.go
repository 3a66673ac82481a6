package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Misty4119/nds-api/internal/engine"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node until interrupted",
		Long: `Run the node: fold projections continuously, pull from peers on an
interval and after local commits, and serve the WebSocket sync endpoint at
/sync when sync.listen is set. SIGINT or SIGTERM stops it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return rootOpts.withNode(cmd, func(ctx context.Context, n *engine.Node) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				f.VerboseLog("Serving %s (listen %q)", n.Origin(), n.Config().Sync.Listen)
				if err := n.Run(ctx); err != nil {
					return f.Fail(ExitFailure, "node stopped", err)
				}
				return nil
			})
		},
	}
}
