package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seanankenbruck/semantic-bi/internal/governance"
	"github.com/seanankenbruck/semantic-bi/internal/plan"
	"github.com/seanankenbruck/semantic-bi/internal/processor"
	"github.com/seanankenbruck/semantic-bi/internal/semantic"
	"github.com/seanankenbruck/semantic-bi/internal/sqlgen"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	Driver            string
	Strategy          string
	RequireTimeFilter bool
	MaxRows           int
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{}

	cmd := &cobra.Command{
		Use:   "compile <record.json|->",
		Short: "Resolve a feature record and print its governed SQL",
		Long: `Run the deterministic resolve pipeline (match, merge, validate, compile) for one
query feature record and print the resulting SQL with its bind parameters.

Retrieval augmentation and execution are skipped. A plan blocked by governance
exits with status 1 and prints the validation result.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config
			if !cmd.Flags().Changed("driver") {
				opts.Driver = cfg.Warehouse.Driver
			}
			if !cmd.Flags().Changed("strategy") {
				opts.Strategy = cfg.Governance.AmbiguityStrategy
			}
			if !cmd.Flags().Changed("require-time-filter") {
				opts.RequireTimeFilter = cfg.Governance.RequireTimeFilter
			}
			if !cmd.Flags().Changed("max-rows") {
				opts.MaxRows = cfg.Governance.MaxRows
			}
			return runCompile(rootOpts, opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Driver, "driver", "", "warehouse driver deciding the placeholder style (postgres|sqlite3)")
	cmd.Flags().StringVar(&opts.Strategy, "strategy", "", "ambiguity strategy (prefer_primary|clarify)")
	cmd.Flags().BoolVar(&opts.RequireTimeFilter, "require-time-filter", false, "require a time filter regardless of the layer policy")
	cmd.Flags().IntVar(&opts.MaxRows, "max-rows", 0, "row limit when the layer sets none")

	return cmd
}

func readRecord(cmd *cobra.Command, source string) (plan.QueryFeatureRecord, error) {
	var r io.Reader
	if source == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(source)
		if err != nil {
			return plan.QueryFeatureRecord{}, err
		}
		defer f.Close()
		r = f
	}

	var record plan.QueryFeatureRecord
	if err := json.NewDecoder(r).Decode(&record); err != nil {
		return plan.QueryFeatureRecord{}, fmt.Errorf("failed to decode feature record: %w", err)
	}
	return record, nil
}

func runCompile(rootOpts *RootOptions, opts *CompileOptions, source string, cmd *cobra.Command) error {
	out := rootOpts.formatter(cmd)

	strategy, err := plan.ParseAmbiguityStrategy(opts.Strategy)
	if err != nil {
		return out.Fail(ExitCommandError, "invalid --strategy", err, nil)
	}

	record, err := readRecord(cmd, source)
	if err != nil {
		return out.Fail(ExitCommandError, "failed to read feature record", err, nil)
	}

	idx, err := loadLayer(out, rootOpts.LayerPath)
	if err != nil {
		return err
	}

	logger := rootOpts.logger("semctl", out.GetErrWriter())
	proc, err := processor.NewProcessor(processor.Dependencies{
		Store:     semantic.NewStore(idx, nil),
		Merger:    plan.NewMerger(strategy, logger),
		Validator: governance.NewValidator(opts.RequireTimeFilter),
		Compiler:  sqlgen.NewCompiler(sqlgen.DialectFor(opts.Driver), opts.MaxRows),
		Logger:    logger,
	}, processor.ProcessorConfig{})
	if err != nil {
		return out.Fail(ExitCommandError, "failed to build resolver", err, nil)
	}

	res, err := proc.Resolve(cmd.Context(), &processor.ResolveRequest{Record: record})
	if err != nil {
		return out.Fail(ExitFailure, "resolution failed", err, res)
	}

	return out.Success(res, func(w io.Writer) {
		fmt.Fprintln(w, res.SQL)
		if len(res.Params) > 0 {
			params := make([]string, len(res.Params))
			for i, p := range res.Params {
				params[i] = fmt.Sprintf("%v", p)
			}
			fmt.Fprintf(w, "-- params: %s\n", strings.Join(params, ", "))
		}
		for _, warning := range res.Warnings {
			fmt.Fprintf(w, "-- warning: %s\n", warning)
		}
		fmt.Fprintf(w, "-- index %s, confidence %.2f\n", res.IndexVersion, res.Plan.Confidence)
	})
}
