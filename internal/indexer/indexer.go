package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mistakeknot/tldr-swinton/internal/extract"
	"github.com/mistakeknot/tldr-swinton/internal/index"
	"github.com/mistakeknot/tldr-swinton/internal/lexical"
	"github.com/mistakeknot/tldr-swinton/pkg/types"
)

// Config controls a scan of the project tree.
type Config struct {
	Workers      int  // concurrent extraction workers (default: runtime.NumCPU())
	IncludeTests bool // whether to index *_test.go files
	Rebuild      bool // force a full rebuild instead of an incremental update
}

// Indexer drives the indexing pipeline: scan the tree, extract code units,
// hand them to a backend, and keep the lexical index in step.
type Indexer struct {
	extractors []extract.Extractor
	logger     *slog.Logger
}

// New creates an Indexer with the default Go extractor.
func New(logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		extractors: []extract.Extractor{extract.NewGo()},
		logger:     logger,
	}
}

// Result reports the outcome of BuildIndex.
type Result struct {
	Stats    *types.BuildStats
	Units    int
	Files    int
	Duration time.Duration
}

// BuildIndex scans the project, rebuilds or incrementally updates the
// backend, persists it, and rebuilds the lexical index from the same units.
func (ix *Indexer) BuildIndex(ctx context.Context, projectPath string, backend index.Backend, lex *lexical.Index, cfg Config) (*Result, error) {
	start := time.Now()

	units, texts, files, err := ix.Scan(ctx, projectPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", projectPath, err)
	}

	stats, err := backend.Build(ctx, units, texts, cfg.Rebuild)
	if err != nil {
		return nil, err
	}
	if err := backend.Save(ctx); err != nil {
		return nil, fmt.Errorf("save index: %w", err)
	}

	if lex != nil {
		if err := lex.Rebuild(units, texts); err != nil {
			return nil, fmt.Errorf("rebuild lexical index: %w", err)
		}
	}

	return &Result{
		Stats:    stats,
		Units:    len(units),
		Files:    files,
		Duration: time.Since(start),
	}, nil
}

// Scan walks the project tree and extracts code units from every source
// file an extractor handles. Units come back sorted by ID so repeated scans
// of an unchanged tree are byte-for-byte identical.
func (ix *Indexer) Scan(ctx context.Context, projectPath string, cfg Config) ([]types.CodeUnit, []string, int, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	paths, err := ix.discoverFiles(projectPath, cfg)
	if err != nil {
		return nil, nil, 0, err
	}

	var mu sync.Mutex
	var all []types.CodeUnit

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(projectPath, p)
			if err != nil {
				return err
			}
			units, err := ix.extractPath(p, rel)
			if err != nil {
				// Unparseable files are skipped, not fatal. Generated or
				// mid-edit files should not block the rest of the project.
				ix.logger.Warn("skipping unparseable file", "path", rel, "error", err)
				return nil
			}
			mu.Lock()
			all = append(all, units...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, 0, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	texts := make([]string, len(all))
	for i := range all {
		texts[i] = PrepareText(&all[i])
	}
	return all, texts, len(paths), nil
}

func (ix *Indexer) extractPath(path, rel string) ([]types.CodeUnit, error) {
	for _, e := range ix.extractors {
		if e.Handles(path) {
			return e.ExtractFile(path, rel)
		}
	}
	return nil, nil
}

// discoverFiles collects the candidate source files under projectPath,
// skipping hidden directories, vendor trees, and the index directory itself.
func (ix *Indexer) discoverFiles(projectPath string, cfg Config) ([]string, error) {
	var paths []string
	err := filepath.Walk(projectPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		name := info.Name()
		if info.IsDir() {
			if path == projectPath {
				return nil
			}
			if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") ||
				name == "vendor" || name == "node_modules" || name == "testdata" {
				return filepath.SkipDir
			}
			return nil
		}
		if !cfg.IncludeTests && strings.HasSuffix(name, "_test.go") {
			return nil
		}
		for _, e := range ix.extractors {
			if e.Handles(path) {
				paths = append(paths, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// PrepareText builds the embeddable text for a code unit: name, location,
// doc summary, and signature on separate lines. Both backends and the
// lexical index embed the same text so scores are comparable across builds.
func PrepareText(u *types.CodeUnit) string {
	var b strings.Builder
	b.WriteString(u.Name)
	b.WriteString("\n")
	b.WriteString(u.FilePath)
	if u.DocSummary != "" {
		b.WriteString("\n")
		b.WriteString(u.DocSummary)
	}
	if u.Signature != "" {
		b.WriteString("\n")
		b.WriteString(u.Signature)
	}
	return b.String()
}
