package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Misty4119/nds-api/internal/engine"
	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/projection"
)

// ProjectOptions holds flags for the project command.
type ProjectOptions struct {
	*RootOptions
	Key string
}

// ProjectionView is the output of project.
type ProjectionView struct {
	Name   string            `json:"name"`
	Status projection.Status `json:"status"`
	Folded ir.VectorClock    `json:"folded"`
	Digest string            `json:"digest"`
	State  ir.Value          `json:"state"`
}

// NewProjectCommand creates the project command.
func NewProjectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProjectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "project [name]",
		Short: "Show projection state",
		Long: `Fold outstanding events and show a projection's state. Without a name
the registered projections are listed.

Examples:
  nds project
  nds project balances --key gold
  nds project pause holdings`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runProjectList(opts, cmd)
			}
			return runProjectShow(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "show a single item of the state")
	cmd.AddCommand(newProjectToggleCommand(rootOpts, "pause"))
	cmd.AddCommand(newProjectToggleCommand(rootOpts, "resume"))

	return cmd
}

func runProjectList(opts *ProjectOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	return opts.withNode(cmd, func(ctx context.Context, n *engine.Node) error {
		names := n.Projections().Names()
		return f.Success(names, func(w io.Writer) {
			for _, name := range names {
				status, _ := n.Projections().Status(name)
				fmt.Fprintf(w, "%-20s %s\n", name, status)
			}
		})
	})
}

func runProjectShow(opts *ProjectOptions, name string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	return opts.withNode(cmd, func(ctx context.Context, n *engine.Node) error {
		pe := n.Projections()
		if err := pe.CatchUp(ctx); err != nil {
			f.VerboseLog("projection catch-up incomplete: %v", err)
		}
		view := ProjectionView{Name: name}
		var err error
		if view.Status, err = pe.Status(name); err != nil && view.Status == "" {
			return f.Fail(ExitFailure, "unknown projection", err)
		}
		if view.Folded, err = pe.Folded(name); err != nil {
			return f.Fail(ExitFailure, "read projection", err)
		}
		if view.Digest, err = pe.Digest(name); err != nil {
			return f.Fail(ExitFailure, "read projection", err)
		}
		if opts.Key != "" {
			item, ok, err := pe.Get(name, opts.Key)
			if err != nil {
				return f.Fail(ExitFailure, "read projection", err)
			}
			if !ok {
				return f.Fail(ExitFailure, "read projection", fmt.Errorf("%s has no item %q", name, opts.Key))
			}
			view.State = item
		} else if view.State, err = pe.State(name); err != nil {
			return f.Fail(ExitFailure, "read projection", err)
		}
		return f.Success(view, func(w io.Writer) {
			fmt.Fprintf(w, "%s (%s) digest=%s\n", view.Name, view.Status, view.Digest)
			data, _ := json.MarshalIndent(view.State, "", "  ")
			fmt.Fprintln(w, string(data))
		})
	})
}

func newProjectToggleCommand(rootOpts *RootOptions, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: fmt.Sprintf("%s folding of a projection", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			name := args[0]
			return rootOpts.withNode(cmd, func(ctx context.Context, n *engine.Node) error {
				toggle := n.Projections().Pause
				if verb == "resume" {
					toggle = n.Projections().Resume
				}
				if err := toggle(ctx, name); err != nil {
					return f.Fail(ExitFailure, verb+" failed", err)
				}
				status, _ := n.Projections().Status(name)
				return f.Success(map[string]any{"name": name, "status": status}, func(w io.Writer) {
					fmt.Fprintf(w, "✓ %s is %s\n", name, status)
				})
			})
		},
	}
}
