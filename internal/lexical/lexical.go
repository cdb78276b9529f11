// Package lexical maintains the backend-independent BM25 index used for
// the exact-identifier fast path and for rank fusion. It lives at the
// shared top level of the index directory because it is rebuilt on every
// index build regardless of which embedding backend is active.
package lexical

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/mistakeknot/tldr-swinton/pkg/types"
)

// DirName is the lexical index location under the top-level index
// directory, outside any backend subdirectory.
const DirName = "lexical.bleve"

// identifierRe matches a bare dotted or underscored identifier with no
// natural-language whitespace, e.g. "parse_file" or "pkg.Indexer.Build".
var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*([./][A-Za-z_][A-Za-z0-9_]*)*$`)

// identifierTokenRe finds identifier-shaped substrings inside a longer
// natural-language query.
var identifierTokenRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9]*(_[A-Za-z0-9]+|\.[A-Za-z_][A-Za-z0-9_]*)+`)

// IsIdentifierQuery reports whether the whole query looks like an exact
// identifier and should be answered by the lexical index directly.
func IsIdentifierQuery(q string) bool {
	q = strings.TrimSpace(q)
	if q == "" || strings.ContainsAny(q, " \t\n") {
		return false
	}
	return identifierRe.MatchString(q)
}

// HasIdentifierToken reports whether a natural-language query contains a
// recognizable identifier substring, which makes it a candidate for rank
// fusion with the lexical index.
func HasIdentifierToken(q string) bool {
	return identifierTokenRe.MatchString(q)
}

// doc is the indexed representation of one code unit.
type doc struct {
	Name      string  `json:"name"`
	Tokens    string  `json:"tokens"` // identifier split into word tokens
	Text      string  `json:"text"`
	FilePath  string  `json:"file_path"`
	StartLine float64 `json:"start_line"`
	EndLine   float64 `json:"end_line"`
}

// Index wraps a bleve index over code units.
type Index struct {
	path string

	mu  sync.Mutex // guards open/close/rebuild transitions
	idx bleve.Index
}

// Open opens the lexical index under indexDir, creating it when absent.
func Open(indexDir string) (*Index, error) {
	path := filepath.Join(indexDir, DirName)
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		if mkErr := os.MkdirAll(indexDir, 0o755); mkErr != nil {
			return nil, fmt.Errorf("create index dir: %w", mkErr)
		}
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open lexical index: %w", err)
	}
	return &Index{path: path, idx: idx}, nil
}

// Update applies one build's outcome: added and updated units are
// re-indexed, deleted IDs are removed. texts[i] is the embeddable text of
// units[i], reused here as the BM25 document body.
func (ix *Index) Update(units []types.CodeUnit, texts []string, deletedIDs []string) error {
	if len(units) != len(texts) {
		return fmt.Errorf("units/texts length mismatch: %d vs %d", len(units), len(texts))
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	batch := ix.idx.NewBatch()
	for i, u := range units {
		if err := batch.Index(u.ID, doc{
			Name:      u.Name,
			Tokens:    splitIdentifier(u.Name),
			Text:      texts[i],
			FilePath:  u.FilePath,
			StartLine: float64(u.Lines.Start),
			EndLine:   float64(u.Lines.End),
		}); err != nil {
			return fmt.Errorf("index unit %s: %w", u.ID, err)
		}
	}
	for _, id := range deletedIDs {
		batch.Delete(id)
	}
	if err := ix.idx.Batch(batch); err != nil {
		return fmt.Errorf("apply lexical batch: %w", err)
	}
	return nil
}

// Rebuild drops the index and reindexes every unit from scratch.
func (ix *Index) Rebuild(units []types.CodeUnit, texts []string) error {
	ix.mu.Lock()
	if err := ix.idx.Close(); err != nil {
		ix.mu.Unlock()
		return fmt.Errorf("close lexical index: %w", err)
	}
	if err := os.RemoveAll(ix.path); err != nil {
		ix.mu.Unlock()
		return fmt.Errorf("remove lexical index: %w", err)
	}
	idx, err := bleve.New(ix.path, bleve.NewIndexMapping())
	if err != nil {
		ix.mu.Unlock()
		return fmt.Errorf("recreate lexical index: %w", err)
	}
	ix.idx = idx
	ix.mu.Unlock()

	return ix.Update(units, texts, nil)
}

// Search runs a BM25 match query and returns ranked results.
func (ix *Index) Search(query string, k int) ([]types.SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}
	// Identifier queries match best when split into their word tokens.
	if IsIdentifierQuery(query) {
		query = splitIdentifier(query)
	}
	return ix.run(bleve.NewMatchQuery(query), k)
}

// LookupName answers an exact-name lookup.
func (ix *Index) LookupName(name string, k int) ([]types.SearchResult, error) {
	q := bleve.NewMatchQuery(name)
	q.SetField("name")
	return ix.run(q, k)
}

func (ix *Index) run(q query.Query, k int) ([]types.SearchResult, error) {
	req := bleve.NewSearchRequestOptions(q, k, 0, false)
	req.Fields = []string{"name", "file_path", "start_line", "end_line"}

	ix.mu.Lock()
	idx := ix.idx
	ix.mu.Unlock()

	res, err := idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	results := make([]types.SearchResult, 0, len(res.Hits))
	for i, hit := range res.Hits {
		r := types.SearchResult{
			UnitID: hit.ID,
			Rank:   i + 1,
			Score:  hit.Score,
		}
		if v, ok := hit.Fields["name"].(string); ok {
			r.Name = v
		}
		if v, ok := hit.Fields["file_path"].(string); ok {
			r.FilePath = v
		}
		if v, ok := hit.Fields["start_line"].(float64); ok {
			r.Lines.Start = int(v)
		}
		if v, ok := hit.Fields["end_line"].(float64); ok {
			r.Lines.End = int(v)
		}
		results = append(results, r)
	}
	return results, nil
}

// Count returns the number of indexed units.
func (ix *Index) Count() (uint64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.idx.DocCount()
}

// Close closes the underlying bleve index.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.idx.Close()
}

// splitIdentifier breaks a dotted/underscored/camel-case identifier into
// space-separated word tokens ("parseFile.doThing" -> "parse file do thing").
func splitIdentifier(s string) string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '_' || r == '/' || r == '-'
	}) {
		out = append(out, splitCamel(part)...)
	}
	return strings.ToLower(strings.Join(out, " "))
}

func splitCamel(s string) []string {
	var words []string
	start := 0
	for i := 1; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' && s[i-1] >= 'a' && s[i-1] <= 'z' {
			words = append(words, s[start:i])
			start = i
		}
	}
	words = append(words, s[start:])
	return words
}
