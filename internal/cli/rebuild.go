package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Misty4119/nds-api/internal/engine"
)

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild [name...]",
		Short: "Refold projections from genesis",
		Long: `Discard a projection's state and fold the whole log again. Without
names every registered projection is rebuilt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return rootOpts.withNode(cmd, func(ctx context.Context, n *engine.Node) error {
				names := args
				if len(names) == 0 {
					names = n.Projections().Names()
				}
				digests := make(map[string]string, len(names))
				for _, name := range names {
					f.VerboseLog("Rebuilding %s", name)
					if err := n.Projections().Rebuild(ctx, name); err != nil {
						return f.Fail(ExitFailure, "rebuild "+name, err)
					}
					d, err := n.Projections().Digest(name)
					if err != nil {
						return f.Fail(ExitFailure, "rebuild "+name, err)
					}
					digests[name] = d
				}
				return f.Success(digests, func(w io.Writer) {
					for _, name := range names {
						fmt.Fprintf(w, "✓ %-20s %s\n", name, digests[name])
					}
				})
			})
		},
	}
}
