package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/seanankenbruck/semantic-bi/internal/database"
	"github.com/seanankenbruck/semantic-bi/internal/llm"
	"github.com/seanankenbruck/semantic-bi/internal/retrieval"
	"github.com/seanankenbruck/semantic-bi/internal/semantic"
)

// SyncOptions holds flags for the sync-catalog command.
type SyncOptions struct {
	DSN        string
	Backend    string
	Dimensions int
	Migrate    bool
	DryRun     bool
}

// SyncResult reports a catalog sync.
type SyncResult struct {
	IndexVersion     string `json:"index_version"`
	Documents        int    `json:"documents"`
	Backend          string `json:"backend"`
	SchemaVersion    uint   `json:"schema_version,omitempty"`
	DryRun           bool   `json:"dry_run,omitempty"`
	VectorDimensions int    `json:"vector_dimensions,omitempty"`
}

// NewSyncCatalogCommand creates the sync-catalog command.
func NewSyncCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{}

	cmd := &cobra.Command{
		Use:   "sync-catalog",
		Short: "Embed the semantic layer and store it in the Postgres catalog",
		Long: `Embed every allowed metric, dimension and field of the semantic layer and
replace the catalog's document set used by pgvector recall. Documents no longer
in the layer are removed.

Use the same embedding backend the server is configured with.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config
			if !cmd.Flags().Changed("dsn") {
				opts.DSN = cfg.Catalog.DSN
			}
			if !cmd.Flags().Changed("embedder") {
				opts.Backend = cfg.Retrieval.EmbeddingBackend
			}
			if !cmd.Flags().Changed("dimensions") {
				opts.Dimensions = cfg.Catalog.EmbeddingDimensions
			}
			if !cmd.Flags().Changed("migrate") {
				opts.Migrate = cfg.Catalog.MigrationsEnabled
			}
			return runSync(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DSN, "dsn", "", "catalog connection string (default CATALOG_DSN)")
	cmd.Flags().StringVar(&opts.Backend, "embedder", "", "embedding backend (hashing|openai)")
	cmd.Flags().IntVar(&opts.Dimensions, "dimensions", 0, "vector size of the hashing embedder")
	cmd.Flags().BoolVar(&opts.Migrate, "migrate", false, "apply catalog migrations first")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "embed without writing to the catalog")

	return cmd
}

func runSync(rootOpts *RootOptions, opts *SyncOptions, cmd *cobra.Command) error {
	out := rootOpts.formatter(cmd)
	ctx := cmd.Context()
	cfg := rootOpts.Config

	if opts.DSN == "" && !opts.DryRun {
		return out.Fail(ExitCommandError, "no catalog configured: set CATALOG_DSN or --dsn", nil, nil)
	}

	embedder, err := retrieval.NewEmbedder(opts.Backend, opts.Dimensions, llm.Config{
		Provider:       llm.ProviderOpenAI,
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		EmbeddingModel: cfg.Retrieval.EmbeddingModel,
		Timeout:        cfg.LLM.Timeout,
	})
	if err != nil {
		return out.Fail(ExitCommandError, "failed to create embedder", err, nil)
	}

	idx, err := loadLayer(out, rootOpts.LayerPath)
	if err != nil {
		return err
	}

	result := SyncResult{IndexVersion: idx.Version(), Backend: opts.Backend, DryRun: opts.DryRun}

	if opts.DryRun {
		var docs []*semantic.Document
		for _, doc := range idx.Documents() {
			if retrieval.Recallable(doc) {
				docs = append(docs, doc)
			}
		}
		vectors, err := retrieval.EmbedDocuments(ctx, embedder, docs)
		if err != nil {
			return out.Fail(ExitFailure, "failed to embed documents", err, nil)
		}
		result.Documents = len(docs)
		if len(vectors) > 0 {
			result.VectorDimensions = len(vectors[0])
		}
		return out.Success(result, renderSync(result))
	}

	catalog, err := semantic.NewCatalog(ctx, semantic.CatalogConfig{DSN: opts.DSN})
	if err != nil {
		return out.Fail(ExitCommandError, "failed to connect to catalog", err, nil)
	}
	defer catalog.Close()

	if opts.Migrate {
		out.VerboseLog("Applying catalog migrations")
		status, err := database.Migrate(catalog.DB(), 0)
		if err != nil {
			return out.Fail(ExitFailure, "catalog migration failed", err, nil)
		}
		result.SchemaVersion = status.Version
	}

	out.VerboseLog("Syncing index %s with the %s embedder", idx.Version(), opts.Backend)
	n, err := retrieval.SyncDocuments(ctx, catalog, idx, embedder)
	if err != nil {
		return out.Fail(ExitFailure, "catalog sync failed", err, nil)
	}
	result.Documents = n

	return out.Success(result, renderSync(result))
}

func renderSync(result SyncResult) func(w io.Writer) {
	return func(w io.Writer) {
		verb := "Synced"
		if result.DryRun {
			verb = "Embedded"
		}
		fmt.Fprintf(w, "✓ %s %d documents of index %s (%s embedder)\n", verb, result.Documents, result.IndexVersion, result.Backend)
		if result.SchemaVersion > 0 {
			fmt.Fprintf(w, "  catalog schema at version %d\n", result.SchemaVersion)
		}
	}
}
