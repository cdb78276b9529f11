package commands

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/tldr-swinton/internal/mcp"
)

// NewServeCmd constructs the `swinton serve` command, which runs the MCP
// server on stdio until interrupted.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve indexing and search tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := mcp.NewServer(backendName, slog.Default())
			if err != nil {
				return err
			}
			slog.Info("mcp server starting", "name", mcp.ServerName, "version", mcp.ServerVersion)
			if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	return cmd
}
