package indexer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mistakeknot/tldr-swinton/internal/embedder"
	"github.com/mistakeknot/tldr-swinton/internal/index"
	"github.com/mistakeknot/tldr-swinton/internal/lexical"
	"github.com/mistakeknot/tldr-swinton/internal/multivec"
	"github.com/mistakeknot/tldr-swinton/internal/vecstore"
)

// BackendAuto asks the factory to resolve the backend itself: first from
// the persisted top-level metadata, then from provider availability.
const BackendAuto = "auto"

// BackendDeps carries the injectable collaborators for backend construction.
// Nil fields mean "not available"; the factory decides what that implies.
type BackendDeps struct {
	Dense     embedder.Embedder
	Token     embedder.TokenEmbedder
	Lex       *lexical.Index
	MultiOpts multivec.Options
	Logger    *slog.Logger
}

// GetBackend constructs the search backend for a project.
//
// requested may be an explicit kind ("single-vector", "multi-vector") or
// BackendAuto. Auto resolution prefers whatever the on-disk index was built
// with, so an index built as single-vector keeps loading as single-vector
// even after a multi-vector provider appears. With no persisted index the
// multi-vector backend wins when its provider is configured.
func GetBackend(ctx context.Context, projectPath, requested string, deps BackendDeps) (index.Backend, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	kind, err := resolveKind(projectPath, requested, deps, logger)
	if err != nil {
		return nil, err
	}

	indexDir := index.Dir(projectPath)
	switch kind {
	case index.KindSingleVector:
		if deps.Dense == nil {
			return nil, fmt.Errorf("%w: single-vector backend needs a dense embedding provider (set SWINTON_OLLAMA_URL or SWINTON_EMBED_PROVIDER=local)", index.ErrUnavailable)
		}
		return vecstore.New(indexDir, deps.Dense, deps.Lex, logger), nil
	case index.KindMultiVector:
		if deps.Token == nil {
			return nil, fmt.Errorf("%w: multi-vector backend needs a token embedding provider (set SWINTON_LATE_URL or SWINTON_LATE_MODEL=local)", index.ErrUnavailable)
		}
		return multivec.New(indexDir, deps.Token, deps.MultiOpts, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", index.ErrUnknownBackend, requested)
	}
}

func resolveKind(projectPath, requested string, deps BackendDeps, logger *slog.Logger) (index.Kind, error) {
	switch requested {
	case string(index.KindSingleVector):
		return index.KindSingleVector, nil
	case string(index.KindMultiVector):
		return index.KindMultiVector, nil
	case BackendAuto, "":
	default:
		return "", fmt.Errorf("%w: %q", index.ErrUnknownBackend, requested)
	}

	// A persisted index pins the kind regardless of which providers are
	// configured today.
	if meta, ok, err := index.ReadTopMeta(index.Dir(projectPath)); err != nil {
		logger.Warn("unreadable index metadata, resolving backend from providers", "path", projectPath, "error", err)
	} else if ok {
		return meta.Backend, nil
	}

	if deps.Token != nil {
		return index.KindMultiVector, nil
	}
	if deps.Dense != nil {
		return index.KindSingleVector, nil
	}
	return "", fmt.Errorf("%w: no embedding provider configured (set SWINTON_OLLAMA_URL, SWINTON_LATE_URL, or SWINTON_EMBED_PROVIDER=local)", index.ErrUnavailable)
}
