package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Misty4119/nds-api/internal/config"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Origin string
	Dir    string
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter nds.yaml",
		Long: `Write a starter nds.yaml for this node. The origin defaults to the
host name. An existing file is never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Origin, "origin", "", "origin id of this node (default host name)")
	cmd.Flags().StringVar(&opts.Dir, "dir", ".", "directory to write nds.yaml into")

	return cmd
}

func runInit(opts *InitOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	origin := opts.Origin
	if origin == "" {
		host, err := os.Hostname()
		if err != nil {
			return f.Fail(ExitCommandError, "no --origin given and host name unavailable", err)
		}
		origin = host
	}

	path, err := config.WriteDefault(opts.Dir, origin)
	if errors.Is(err, os.ErrExist) {
		return f.Fail(ExitCommandError, "config already exists", err)
	}
	if err != nil {
		return f.Fail(ExitCommandError, "failed to write config", err)
	}
	return f.Success(map[string]string{"path": path, "origin": origin}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Wrote %s for origin %s\n", path, origin)
	})
}
