// Package commands defines all Cobra CLI commands for the swinton binary.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// backendName holds the --backend flag shared by every subcommand.
var backendName string

// verbose switches the log level to debug.
var verbose bool

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "swinton",
		Short: "Semantic code search over local projects",
		Long: `Swinton builds a semantic search index over a project's code units
and answers natural-language or identifier queries against it.

Two vector backends are supported. The single-vector backend embeds each
code unit as one dense vector and supports cheap incremental updates. The
multi-vector backend keeps one vector per token and scores queries by late
interaction, trading update cost for precision. With --backend auto the
previously built backend wins, falling back to whichever embedding
provider is configured.

Embedding providers are selected via environment variables:
  SWINTON_OLLAMA_URL    Ollama base URL for dense embeddings
  SWINTON_EMBED_MODEL   Dense embedding model name
  SWINTON_LATE_URL      Token embedding service URL
  SWINTON_LATE_MODEL    Token embedding model (or "local" for testing)
  SWINTON_EMBED_PROVIDER  Set to "local" for the offline hash embedder`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			// stdout stays clean for command output and, under serve,
			// for the MCP protocol.
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	root.PersistentFlags().StringVar(&backendName, "backend", "auto", "Index backend: auto, single-vector, or multi-vector")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		NewIndexCmd(),
		NewSearchCmd(),
		NewStatusCmd(),
		NewServeCmd(),
	)

	return root
}
