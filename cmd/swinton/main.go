// Command swinton indexes codebases for semantic search and serves the
// resulting indexes over the Model Context Protocol.
package main

import (
	"fmt"
	"os"

	"github.com/mistakeknot/tldr-swinton/cmd/swinton/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
