package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Misty4119/nds-api/internal/archive"
	"github.com/Misty4119/nds-api/internal/engine"
	"github.com/Misty4119/nds-api/internal/ir"
)

// ArchiveExportOptions holds flags for archive export.
type ArchiveExportOptions struct {
	*RootOptions
	Origin      string
	From        uint64
	To          uint64
	All         bool
	SegmentSize uint64
}

// RestoreResult summarises archive restore.
type RestoreResult struct {
	Key        string      `json:"key"`
	Origin     ir.OriginID `json:"origin"`
	Appended   int         `json:"appended"`
	Duplicates int         `json:"duplicates"`
}

// NewArchiveCommand creates the archive command group.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Export, verify and restore cold-storage segments",
		Long: `Archive segments hold a contiguous run of one origin's events as JSON
lines, next to a metadata blob with their digest and per-event hashes.
The backend (file, s3 or gcs) comes from the archive section of the config.`,
	}
	cmd.AddCommand(newArchiveExportCommand(rootOpts))
	cmd.AddCommand(newArchiveVerifyCommand(rootOpts))
	cmd.AddCommand(newArchiveRestoreCommand(rootOpts))
	return cmd
}

func newArchiveExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ArchiveExportOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a range of events to the archive",
		Long: `Export one origin's events from --from to --to (default: everything),
or with --all every complete segment of --segment-size events for every
origin. Exporting an existing segment is a no-op.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.All && opts.Origin == "" {
				return NewExitError(ExitCommandError, "either --origin or --all is required")
			}
			return runArchiveExport(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Origin, "origin", "", "origin to export")
	cmd.Flags().Uint64Var(&opts.From, "from", 0, "first seq (default 1)")
	cmd.Flags().Uint64Var(&opts.To, "to", 0, "last seq (default latest)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "export complete segments of every origin")
	cmd.Flags().Uint64Var(&opts.SegmentSize, "segment-size", 0, "events per segment with --all (default archive.segment_size)")
	cmd.MarkFlagsMutuallyExclusive("origin", "all")
	return cmd
}

func runArchiveExport(opts *ArchiveExportOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	return opts.withExporter(cmd, func(ctx context.Context, n *engine.Node, exp *archive.Exporter) error {
		var segs []archive.Segment
		if opts.All {
			size := opts.SegmentSize
			if size == 0 {
				size = n.Config().Archive.SegmentSize
			}
			out, err := exp.ExportAll(ctx, size)
			if err != nil {
				return f.Fail(ExitCommandError, "export failed", err)
			}
			segs = out
		} else {
			seg, err := exp.ExportRange(ctx, ir.OriginID(opts.Origin), opts.From, opts.To)
			if err != nil {
				return f.Fail(ExitCommandError, "export failed", err)
			}
			segs = []archive.Segment{seg}
		}
		if segs == nil {
			segs = []archive.Segment{}
		}
		return f.Success(segs, func(w io.Writer) {
			if len(segs) == 0 {
				fmt.Fprintln(w, "No complete segments to export")
				return
			}
			for _, s := range segs {
				fmt.Fprintf(w, "✓ %s (%d events, %s)\n", s.Key, s.Count, s.Digest)
			}
		})
	})
}

func newArchiveVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <key>",
		Short: "Check a segment against its recorded digest",
		Long: `Re-read an archived segment and check its digest, seq contiguity and
per-event hashes.

Exit codes:
  0 - segment intact
  1 - segment corrupt
  2 - command error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return rootOpts.withExporter(cmd, func(ctx context.Context, _ *engine.Node, exp *archive.Exporter) error {
				seg, err := openSegment(ctx, f, exp, args[0])
				if err != nil {
					return err
				}
				if err := exp.Verify(ctx, seg); err != nil {
					return f.Fail(ExitFailure, "segment verification failed", err)
				}
				return f.Success(seg, func(w io.Writer) {
					fmt.Fprintf(w, "✓ %s intact: %s %d-%d (%d events)\n", seg.Key, seg.Origin, seg.From, seg.To, seg.Count)
				})
			})
		},
	}
}

func newArchiveRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <key>",
		Short: "Verify a segment and append its events to the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return rootOpts.withExporter(cmd, func(ctx context.Context, n *engine.Node, exp *archive.Exporter) error {
				seg, err := openSegment(ctx, f, exp, args[0])
				if err != nil {
					return err
				}
				rng, err := exp.Restore(ctx, seg, n.Store())
				if err != nil {
					code := ExitCommandError
					var corrupt *archive.CorruptSegmentError
					if errors.As(err, &corrupt) {
						code = ExitFailure
					}
					return f.Fail(code, "restore failed", err)
				}
				if err := n.Projections().CatchUp(ctx); err != nil {
					f.VerboseLog("projection catch-up incomplete: %v", err)
				}
				res := RestoreResult{Key: seg.Key, Origin: seg.Origin, Appended: rng.Appended, Duplicates: rng.Duplicates}
				return f.Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Restored %s: %d appended, %d already present\n", res.Key, res.Appended, res.Duplicates)
				})
			})
		},
	}
}

func openSegment(ctx context.Context, f *OutputFormatter, exp *archive.Exporter, key string) (archive.Segment, error) {
	seg, err := exp.Open(ctx, key)
	if err != nil {
		code := ExitCommandError
		var corrupt *archive.CorruptSegmentError
		if errors.As(err, &corrupt) {
			code = ExitFailure
		}
		return seg, f.Fail(code, "cannot open segment", err)
	}
	return seg, nil
}

func (o *RootOptions) withExporter(cmd *cobra.Command, fn func(ctx context.Context, n *engine.Node, exp *archive.Exporter) error) error {
	return o.withNode(cmd, func(ctx context.Context, n *engine.Node) error {
		exp, err := n.Exporter(ctx)
		if err != nil {
			return o.formatter(cmd).Fail(ExitCommandError, "cannot open archive", err)
		}
		return fn(ctx, n, exp)
	})
}
