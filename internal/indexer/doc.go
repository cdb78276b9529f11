// Package indexer coordinates the end-to-end indexing pipeline and owns
// backend selection.
//
// The pipeline walks the project tree, extracts code units from every
// supported source file, hands the units to a vector backend, and keeps
// the lexical BM25 index in step with the same unit set.
//
// # Basic Usage
//
//	deps := indexer.BackendDeps{Dense: emb, Lex: lex}
//	backend, err := indexer.GetBackend(ctx, projectPath, "auto", deps)
//
//	ix := indexer.New(logger)
//	res, err := ix.BuildIndex(ctx, projectPath, backend, lex, indexer.Config{})
//
//	fmt.Printf("indexed %d units in %v\n", res.Units, res.Duration)
//
// # Backend Selection
//
// GetBackend resolves "auto" in two steps:
//
//  1. If the project has a persisted index, its top-level metadata names
//     the backend it was built with, and that backend wins. An index
//     built as single-vector keeps loading as single-vector even after a
//     multi-vector provider appears in the environment.
//  2. Otherwise availability decides: a configured token embedding
//     provider selects multi-vector, a dense provider selects
//     single-vector.
//
// Explicitly requesting a backend whose provider is missing fails with
// index.ErrUnavailable; a name outside the known set fails with
// index.ErrUnknownBackend. The two are distinct so callers can tell a
// typo from missing setup.
//
// # Incremental Builds
//
// Backends partition the incoming unit set against their persisted hash
// map, so a BuildIndex over an unchanged tree embeds nothing:
//
//	res1, _ := ix.BuildIndex(ctx, path, backend, lex, cfg)
//	// stats: new=247 updated=0 unchanged=0
//
//	res2, _ := ix.BuildIndex(ctx, path, backend, lex, cfg)
//	// stats: new=0 updated=0 unchanged=247
//
// Config.Rebuild forces full re-embedding.
//
// # Concurrency
//
// Extraction runs on an errgroup with a worker limit (default NumCPU).
// Unparseable files are logged and skipped rather than failing the
// build; generated or mid-edit files must not block the project.
package indexer
