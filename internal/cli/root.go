package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/seanankenbruck/semantic-bi/internal/config"
	"github.com/seanankenbruck/semantic-bi/internal/observability"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	Format    string // "json" | "text"
	LayerPath string

	// Config is loaded before any subcommand runs; flags override it
	Config *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for semctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "semctl",
		Short: "Semantic layer and resolution tooling",
		Long:  "Validate semantic layers, inspect matching, compile feature records and check backends.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Config == nil {
				cfg, err := config.NewDefaultLoader().Load(cmd.Context())
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to load configuration", err)
				}
				opts.Config = cfg
			}
			if opts.LayerPath == "" {
				opts.LayerPath = opts.Config.Semantic.LayerPath
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.LayerPath, "layer", "l", "", "semantic layer file (default SEMANTIC_LAYER_PATH)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewMatchCommand(opts))
	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewSyncCatalogCommand(opts))
	cmd.AddCommand(NewCheckDBCommand(opts))
	cmd.AddCommand(NewCheckLLMCommand(opts))

	return cmd
}

// logger returns a logger writing to w in verbose mode and discarding otherwise
func (o *RootOptions) logger(component string, w io.Writer) *observability.Logger {
	logger := observability.NewLogger(component)
	if !o.Verbose {
		return logger.WithOutput(io.Discard)
	}
	return logger.WithOutput(w).WithLevel(observability.LevelDebug)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
