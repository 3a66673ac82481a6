package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Misty4119/nds-api/internal/compiler"
	"github.com/Misty4119/nds-api/internal/policy"
)

// Error codes reported by compile that do not come from validation.
const (
	ErrCodeGeneric     = "E000"
	ErrCodeParse       = "E001"
	ErrCodeWriteFailed = "E003"
	ErrCodeNotFound    = "E005"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string
}

// CompilationResult is the compiled manifest with each schema rendered to
// JSON Schema.
type CompilationResult struct {
	Schemas     []CompiledSchema          `json:"schemas"`
	Policies    []policy.Rule             `json:"policies"`
	Projections []compiler.ProjectionSpec `json:"projections"`
}

// CompiledSchema is one payload schema.
type CompiledSchema struct {
	compiler.SchemaSpec
	JSONSchema json.RawMessage `json:"json_schema"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <manifest>",
		Short: "Compile and validate a CUE ledger manifest",
		Long: `Compile a CUE ledger manifest (a file or a directory of .cue files)
declaring payload schemas, policy rules and derived projections, and
validate it. CEL expressions are type-checked and every asset glob is
parsed.

Examples:
  nds compile ledger.cue
  nds compile ./manifest -o manifest.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the compiled manifest as JSON")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	if _, err := os.Stat(path); err != nil {
		return outputCompileError(f, ErrCodeNotFound, fmt.Sprintf("manifest not found: %s", path), nil)
	}
	f.VerboseLog("Compiling %s", path)

	m, err := compiler.Compile(path)
	if err != nil {
		var ce *compiler.CompileError
		if errors.As(err, &ce) && ce.Pos.IsValid() {
			return outputCompileError(f, ErrCodeParse, ce.Message, map[string]any{
				"file":   ce.Pos.Filename(),
				"line":   ce.Pos.Line(),
				"column": ce.Pos.Column(),
				"field":  ce.Field,
			})
		}
		return outputCompileError(f, ErrCodeParse, err.Error(), nil)
	}

	if verrs := compiler.Validate(m); len(verrs) > 0 {
		return outputValidationErrors(f, verrs)
	}

	result, err := buildResult(m)
	if err != nil {
		return outputCompileError(f, ErrCodeGeneric, err.Error(), nil)
	}
	if opts.Output != "" {
		data, err := json.MarshalIndent(result, "", "  ")
		if err == nil {
			err = os.WriteFile(opts.Output, data, 0o644)
		}
		if err != nil {
			return outputCompileError(f, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
		}
	}

	return f.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Compiled %d schema(s), %d policy rule(s), %d projection(s)\n",
			len(result.Schemas), len(result.Policies), len(result.Projections))
		for _, s := range result.Schemas {
			fmt.Fprintf(w, "  schema     %s@%s %v\n", s.Name, s.Version, s.Types)
		}
		for _, r := range result.Policies {
			fmt.Fprintf(w, "  policy     %s: %s\n", r.ID, r.Expr)
		}
		for _, p := range result.Projections {
			fmt.Fprintf(w, "  projection %s <- %s %v\n", p.Name, p.Base, p.Assets)
		}
		if opts.Output != "" {
			fmt.Fprintf(w, "\nWrote %s\n", opts.Output)
		}
	})
}

func buildResult(m *compiler.Manifest) (CompilationResult, error) {
	res := CompilationResult{
		Schemas:     make([]CompiledSchema, 0, len(m.Schemas)),
		Policies:    m.Rules(),
		Projections: m.Projections,
	}
	if res.Policies == nil {
		res.Policies = []policy.Rule{}
	}
	if res.Projections == nil {
		res.Projections = []compiler.ProjectionSpec{}
	}
	for _, s := range m.Schemas {
		doc, err := s.JSONSchema()
		if err != nil {
			return res, fmt.Errorf("schema %s: %w", s.Name, err)
		}
		res.Schemas = append(res.Schemas, CompiledSchema{SchemaSpec: s, JSONSchema: doc})
	}
	return res, nil
}

func outputCompileError(f *OutputFormatter, code, message string, details any) error {
	if f.Format == "json" {
		if err := f.Error(code, message, details); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(f.Writer, "✗ Compilation failed")
		fmt.Fprintf(f.Writer, "  %s: %s\n", code, message)
		if d, ok := details.(map[string]any); ok {
			fmt.Fprintf(f.Writer, "  at %v:%v:%v\n", d["file"], d["line"], d["column"])
		}
	}
	return NewExitError(ExitCommandError, fmt.Sprintf("compilation failed: %s", code))
}

func outputValidationErrors(f *OutputFormatter, verrs []compiler.ValidationError) error {
	if f.Format == "json" {
		if err := f.Error(verrs[0].Code, fmt.Sprintf("%d validation error(s)", len(verrs)), verrs); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(f.Writer, "✗ Validation failed")
		fmt.Fprintln(f.Writer)
		for _, v := range verrs {
			fmt.Fprintf(f.Writer, "  %s %s: %s\n", v.Code, v.Field, v.Message)
		}
	}
	return NewExitError(ExitCommandError, fmt.Sprintf("validation failed with %d error(s)", len(verrs)))
}
