package commands

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/tldr-swinton/internal/indexer"
)

// NewIndexCmd constructs the `swinton index` command.
func NewIndexCmd() *cobra.Command {
	var rebuild bool
	var includeTests bool
	var workers int

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Build or incrementally update a project's search index",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := "."
			if len(args) == 1 {
				path = args[0]
			}

			proj, err := openProject(ctx, path)
			if err != nil {
				return err
			}
			defer proj.close()

			ix := indexer.New(slog.Default())
			res, err := ix.BuildIndex(ctx, proj.path, proj.backend, proj.lex, indexer.Config{
				Workers:      workers,
				IncludeTests: includeTests,
				Rebuild:      rebuild,
			})
			if err != nil {
				return err
			}

			st := res.Stats
			fmt.Printf("indexed %d units from %d files in %s\n", res.Units, res.Files, res.Duration.Round(time.Millisecond))
			fmt.Printf("  backend:   %s (%s)\n", proj.backend.Info().Backend, st.EmbedModel)
			fmt.Printf("  new %d, updated %d, unchanged %d, deleted %d", st.New, st.Updated, st.Unchanged, st.Deleted)
			if st.Rebuilt {
				fmt.Printf(" (full rebuild)")
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "Re-embed everything instead of updating incrementally")
	cmd.Flags().BoolVar(&includeTests, "include-tests", false, "Index *_test.go files")
	cmd.Flags().IntVar(&workers, "workers", 0, "Extraction workers (default: number of CPUs)")
	return cmd
}
