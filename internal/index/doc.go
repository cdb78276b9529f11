// Package index defines the backend contract and the shared on-disk
// protocol both backends follow.
//
// # Directory Layout
//
// Everything lives under the project's index directory:
//
//	<project>/.swinton/index/
//	  meta.json              top-level metadata: backend kind, model, count
//	  lexical.bleve/         BM25 index, backend-independent
//	  single-vector/
//	    meta.json            backend metadata, written last on save
//	    units.json
//	    vectors.f32
//	    .build.lock          advisory file lock
//	    .build_in_progress   sentinel, removed only after a clean save
//	  multi-vector/
//	    meta.json
//	    active/              current segment; rebuilds swap it atomically
//	    .build.lock
//	    .build_in_progress
//
// # Write Ordering
//
// Save writes the top-level meta.json strictly first, then the backend's
// data files, then the backend's own meta.json last. A reader that finds
// a backend meta.json can trust the data files beside it; a reader that
// finds the two metadata files disagreeing is looking at a save in
// progress and treats the index as not loadable yet. All individual
// files are written via temp-file-plus-rename so no partial file is ever
// observable.
//
// # Build Locking
//
// BuildGuard pairs a flock-based advisory lock with the sentinel file.
// The lock serializes builds across processes; the sentinel survives a
// crash and tells the next Load to discard partial artifacts. Lock scope
// is one backend subdirectory: different-backend builds do not contend.
package index
