package cli

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/seanankenbruck/semantic-bi/internal/semantic"
)

var objectTypes = []semantic.ObjectType{
	semantic.ObjectDataset,
	semantic.ObjectEntity,
	semantic.ObjectMetric,
	semantic.ObjectDimension,
	semantic.ObjectField,
}

// LayerSummary describes a built semantic index.
type LayerSummary struct {
	Path              string         `json:"path"`
	Version           string         `json:"version"`
	Documents         int            `json:"documents"`
	ByType            map[string]int `json:"by_type"`
	RequireTimeFilter bool           `json:"require_time_filter"`
	MaxRows           int            `json:"max_rows,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [layer-file]",
		Short: "Validate a semantic layer file",
		Long: `Parse and build a semantic layer without starting the engine.

Reports every build problem at once: unknown keys, duplicate names, dangling
join targets and time dimensions that are not time fields.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.LayerPath
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	idx, err := loadLayer(out, path)
	if err != nil {
		return err
	}

	summary := summarize(path, idx)
	return out.Success(summary, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s is valid (version %s)\n", path, summary.Version)
		for _, t := range objectTypes {
			if n := summary.ByType[string(t)]; n > 0 {
				fmt.Fprintf(w, "  %-10s %d\n", t, n)
			}
		}
		if summary.RequireTimeFilter {
			fmt.Fprintln(w, "  time filter required")
		}
	})
}

// loadLayer reads and builds path, reporting failures through out
func loadLayer(out *OutputFormatter, path string) (*semantic.Index, error) {
	if path == "" {
		return nil, out.Fail(ExitCommandError, "no semantic layer file given", nil, nil)
	}

	out.VerboseLog("Loading semantic layer %s", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, out.Fail(ExitCommandError, "failed to read semantic layer", err, nil)
	}

	def, err := semantic.ParseLayer(data)
	if err != nil {
		return nil, out.Fail(ExitFailure, "invalid semantic layer", err, nil)
	}

	idx, err := semantic.Build(def)
	if err != nil {
		var buildErr *semantic.BuildError
		if stderrors.As(err, &buildErr) {
			return nil, out.Fail(ExitFailure, fmt.Sprintf("%d problem(s) in semantic layer", len(buildErr.Problems)), nil, buildErr.Problems)
		}
		return nil, out.Fail(ExitFailure, "invalid semantic layer", err, nil)
	}

	out.VerboseLog("Built index %s with %d documents", idx.Version(), idx.Len())
	return idx, nil
}

func summarize(path string, idx *semantic.Index) LayerSummary {
	byType := make(map[string]int)
	for _, doc := range idx.Documents() {
		byType[string(doc.ObjectType)]++
	}
	policy := idx.Policy()
	return LayerSummary{
		Path:              path,
		Version:           idx.Version(),
		Documents:         idx.Len(),
		ByType:            byType,
		RequireTimeFilter: policy.RequireTimeFilter,
		MaxRows:           policy.MaxRows,
	}
}
