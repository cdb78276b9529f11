// Package types provides shared type definitions for the semantic search
// subsystem.
//
// CodeUnit is an indexable code entity (function, method, type) with a
// deterministic ID and the content hash of its source file:
//
//	unit := types.CodeUnit{
//	    ID:        types.UnitID("internal/parser/parser.go", "ParseFile"),
//	    Name:      "ParseFile",
//	    FilePath:  "internal/parser/parser.go",
//	    Lines:     types.LineRange{Start: 40, End: 92},
//	    Signature: "func ParseFile(path string) (*ParseResult, error)",
//	    FileHash:  types.HashContent(src),
//	}
//
// SearchResult is an ephemeral ranked retrieval hit constructed per search
// call. BuildStats partitions a build's incoming units into new, updated,
// and unchanged (new + updated + unchanged always equals the incoming
// count; deletions are tracked separately). BackendInfo is a read-only
// projection of persisted index metadata.
package types
