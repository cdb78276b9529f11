package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/tldr-swinton/internal/searcher"
)

// NewSearchCmd constructs the `swinton search` command.
func NewSearchCmd() *cobra.Command {
	var path string
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search an indexed project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			query := args[0]

			proj, err := openProject(ctx, path)
			if err != nil {
				return err
			}
			defer proj.close()

			loaded, err := proj.backend.Load(ctx)
			if err != nil {
				return err
			}
			if !loaded {
				return fmt.Errorf("no index at %s, run 'swinton index %s' first", proj.path, path)
			}

			s := searcher.New(proj.backend, proj.lex)
			resp, err := s.Search(ctx, searcher.Request{Query: query, Limit: limit})
			if err != nil {
				return err
			}

			if len(resp.Results) == 0 {
				fmt.Println("no results")
				return nil
			}
			for _, r := range resp.Results {
				fmt.Printf("%2d. %-40s %s:%d-%d  (%.4f)\n",
					r.Rank, r.Name, r.FilePath, r.Lines.Start, r.Lines.End, r.Score)
			}
			fmt.Printf("route=%s in %s\n", resp.Route, resp.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "path", "p", ".", "Project root to search")
	cmd.Flags().IntVarP(&limit, "limit", "k", 10, "Maximum number of results")
	return cmd
}
