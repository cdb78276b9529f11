package commands

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/mistakeknot/tldr-swinton/internal/embedder"
	"github.com/mistakeknot/tldr-swinton/internal/index"
	"github.com/mistakeknot/tldr-swinton/internal/indexer"
	"github.com/mistakeknot/tldr-swinton/internal/lexical"
	"github.com/mistakeknot/tldr-swinton/internal/multivec"
)

// project bundles everything a command needs to operate on one project.
type project struct {
	path    string
	backend index.Backend
	lex     *lexical.Index
}

func (p *project) close() {
	_ = p.backend.Close()
	_ = p.lex.Close()
}

// openProject resolves the path, opens the lexical index, and constructs
// the backend from the --backend flag plus whatever providers the
// environment configures.
func openProject(ctx context.Context, path string) (*project, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	lex, err := lexical.Open(index.Dir(abs))
	if err != nil {
		return nil, err
	}

	deps := indexer.BackendDeps{
		Lex:       lex,
		MultiOpts: multivec.DefaultOptions(),
		Logger:    slog.Default(),
	}
	if emb, err := embedder.NewFromEnv(); err == nil {
		deps.Dense = emb
	}
	if tok, err := embedder.TokenFromEnv(); err == nil {
		deps.Token = tok
	}

	backend, err := indexer.GetBackend(ctx, abs, backendName, deps)
	if err != nil {
		_ = lex.Close()
		return nil, err
	}
	return &project{path: abs, backend: backend, lex: lex}, nil
}
