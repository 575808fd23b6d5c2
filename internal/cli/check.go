package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/seanankenbruck/semantic-bi/internal/llm"
	"github.com/seanankenbruck/semantic-bi/internal/observability"
	"github.com/seanankenbruck/semantic-bi/internal/semantic"
	"github.com/seanankenbruck/semantic-bi/internal/warehouse"
)

// CheckDBOptions holds flags for the check-db command.
type CheckDBOptions struct {
	Driver     string
	DSN        string
	CatalogDSN string
}

// NewCheckDBCommand creates the check-db command.
func NewCheckDBCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckDBOptions{}

	cmd := &cobra.Command{
		Use:           "check-db",
		Short:         "Check warehouse and catalog connectivity",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config
			if !cmd.Flags().Changed("driver") {
				opts.Driver = cfg.Warehouse.Driver
			}
			if !cmd.Flags().Changed("dsn") {
				opts.DSN = cfg.Warehouse.DSN
			}
			if !cmd.Flags().Changed("catalog-dsn") {
				opts.CatalogDSN = cfg.Catalog.DSN
			}
			return runCheckDB(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Driver, "driver", "", "warehouse driver (postgres|sqlite3)")
	cmd.Flags().StringVar(&opts.DSN, "dsn", "", "warehouse connection string (default WAREHOUSE_DSN)")
	cmd.Flags().StringVar(&opts.CatalogDSN, "catalog-dsn", "", "catalog connection string; empty skips the catalog")

	return cmd
}

func runCheckDB(rootOpts *RootOptions, opts *CheckDBOptions, cmd *cobra.Command) error {
	out := rootOpts.formatter(cmd)
	ctx := cmd.Context()

	if opts.DSN == "" {
		return out.Fail(ExitCommandError, "no warehouse configured: set WAREHOUSE_DSN or --dsn", nil, nil)
	}

	var checks []*observability.HealthCheck

	checks = append(checks, observability.WarehouseHealthCheck(func(ctx context.Context) error {
		exec, err := warehouse.Open(ctx, warehouse.Config{Driver: opts.Driver, DSN: opts.DSN}, rootOpts.logger("warehouse", out.GetErrWriter()))
		if err != nil {
			return err
		}
		defer exec.Close()
		return exec.Ping(ctx)
	})(ctx))

	if opts.CatalogDSN != "" {
		checks = append(checks, observability.CatalogHealthCheck(func(ctx context.Context) error {
			catalog, err := semantic.NewCatalog(ctx, semantic.CatalogConfig{DSN: opts.CatalogDSN})
			if err != nil {
				return err
			}
			defer catalog.Close()
			return catalog.Ping(ctx)
		})(ctx))
	}

	return reportChecks(out, checks)
}

// NewCheckLLMCommand creates the check-llm command.
func NewCheckLLMCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-llm",
		Short: "Send a test completion to the configured rerank model",
		Long: `Send a short completion request through the configured provider (LLM_PROVIDER,
LLM_MODEL, LLM_API_KEY, LLM_BASE_URL) and report whether it answered.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckLLM(rootOpts, cmd)
		},
	}
	return cmd
}

func runCheckLLM(rootOpts *RootOptions, cmd *cobra.Command) error {
	out := rootOpts.formatter(cmd)
	cfg := rootOpts.Config.LLM

	client, err := llm.NewClient(llm.Config{
		Provider:  cfg.Provider,
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		BaseURL:   cfg.BaseURL,
		Timeout:   cfg.Timeout,
		MaxTokens: 16,
	})
	if err != nil {
		return out.Fail(ExitCommandError, "failed to create LLM client", err, nil)
	}
	if client == nil {
		return out.Fail(ExitCommandError, "no LLM provider configured: set LLM_PROVIDER", nil, nil)
	}

	var completion *llm.Completion
	check := observability.LLMHealthCheck(func(ctx context.Context) error {
		completion, err = client.Complete(ctx, "Reply with the single word OK.")
		return err
	})(cmd.Context())
	if completion != nil {
		check.Metadata["model"] = completion.Model
	}

	return reportChecks(out, []*observability.HealthCheck{check})
}

// reportChecks prints checks and fails when any of them is not healthy
func reportChecks(out *OutputFormatter, checks []*observability.HealthCheck) error {
	failed := 0
	for _, c := range checks {
		if c.Status != observability.HealthStatusHealthy {
			failed++
		}
	}

	if out.Format != "json" {
		for _, c := range checks {
			mark := "✓"
			if c.Status != observability.HealthStatusHealthy {
				mark = "✗"
			}
			fmt.Fprintf(out.Writer, "%s %s: %s (%s)\n", mark, c.Name, c.Message, c.Duration.Round(time.Millisecond))
		}
	}
	if failed > 0 {
		return out.Fail(ExitFailure, fmt.Sprintf("%d of %d checks failed", failed, len(checks)), nil, checks)
	}
	return out.Success(checks, func(w io.Writer) {})
}
