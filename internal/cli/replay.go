package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Misty4119/nds-api/internal/engine"
)

// ReplayResult reports whether every projection folds deterministically.
type ReplayResult struct {
	Deterministic bool              `json:"deterministic"`
	Digests       map[string]string `json:"digests"`
	Mismatches    []MismatchInfo    `json:"mismatches,omitempty"`
}

// MismatchInfo is one projection whose replay differs from its live state.
type MismatchInfo struct {
	Projection string `json:"projection"`
	Live       string `json:"live"`
	Replayed   string `json:"replayed"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Verify projections replay to the live state",
		Long: `Replay every projection from genesis and compare its digest with the
live state.

Exit codes:
  0 - every projection is deterministic
  1 - at least one digest differs
  2 - command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return rootOpts.withNode(cmd, func(ctx context.Context, n *engine.Node) error {
				digests, err := n.VerifyProjections(ctx)
				res := ReplayResult{Deterministic: err == nil, Digests: digests}
				if err != nil {
					mismatches := collectMismatches(err)
					if len(mismatches) == 0 {
						return f.Fail(ExitCommandError, "replay failed", err)
					}
					res.Mismatches = mismatches
				}
				if outErr := f.Success(res, func(w io.Writer) { writeReplay(w, res) }); outErr != nil {
					return outErr
				}
				if !res.Deterministic {
					return NewExitError(ExitFailure, fmt.Sprintf("%d projection(s) replayed differently", len(res.Mismatches)))
				}
				return nil
			})
		},
	}
}

// collectMismatches unpacks the joined error of VerifyProjections.
func collectMismatches(err error) []MismatchInfo {
	var out []MismatchInfo
	var walk func(error)
	walk = func(err error) {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				walk(e)
			}
			return
		}
		var m *engine.ProjectionMismatchError
		if errors.As(err, &m) {
			out = append(out, MismatchInfo{Projection: m.Projection, Live: m.Live, Replayed: m.Replayed})
		}
	}
	walk(err)
	return out
}

func writeReplay(w io.Writer, res ReplayResult) {
	if res.Deterministic {
		fmt.Fprintln(w, "✓ Replay deterministic")
	} else {
		fmt.Fprintln(w, "✗ Replay differs")
	}
	names := make([]string, 0, len(res.Digests))
	for name := range res.Digests {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-20s %s\n", name, res.Digests[name])
	}
	for _, m := range res.Mismatches {
		fmt.Fprintf(w, "  %s: live %s, replayed %s\n", m.Projection, m.Live, m.Replayed)
	}
}
