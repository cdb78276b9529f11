package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/tldr-swinton/internal/index"
	"github.com/mistakeknot/tldr-swinton/internal/lexical"
)

// NewStatusCmd constructs the `swinton status` command. Status only reads
// persisted metadata, so it works without any embedding provider.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [path]",
		Short: "Show whether a project is indexed and with what",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}

			indexDir := index.Dir(abs)
			meta, ok, err := index.ReadTopMeta(indexDir)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("%s: not indexed\n", abs)
				return nil
			}

			fmt.Printf("%s\n", abs)
			fmt.Printf("  backend:    %s\n", meta.Backend)
			fmt.Printf("  model:      %s\n", meta.EmbedModel)
			if meta.Dimension > 0 {
				fmt.Printf("  dimension:  %d\n", meta.Dimension)
			}
			fmt.Printf("  units:      %d\n", meta.Count)
			if index.StaleBuild(index.SubDir(indexDir, meta.Backend)) {
				fmt.Printf("  warning:    an interrupted build left stale state; next load cleans it up\n")
			}

			if lex, err := lexical.Open(indexDir); err == nil {
				if n, err := lex.Count(); err == nil {
					fmt.Printf("  lexical:    %d documents\n", n)
				}
				_ = lex.Close()
			}
			return nil
		},
	}
	return cmd
}
