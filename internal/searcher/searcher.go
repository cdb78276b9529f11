// Package searcher routes queries to the lexical fast path or the vector
// backend and caches recent responses.
package searcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mistakeknot/tldr-swinton/internal/index"
	"github.com/mistakeknot/tldr-swinton/internal/lexical"
	"github.com/mistakeknot/tldr-swinton/pkg/types"
)

// Route names which path answered a query.
type Route string

const (
	RouteLexical Route = "lexical"
	RouteVector  Route = "vector"
)

// DefaultCacheTTL bounds how long a cached response stays valid. Builds
// invalidate the cache explicitly; the TTL only covers external mutation
// of the index directory.
const DefaultCacheTTL = 5 * time.Minute

const cacheSize = 1000

// Request contains parameters for a search operation.
type Request struct {
	Query    string
	Limit    int
	UseCache bool
	CacheTTL time.Duration // zero means DefaultCacheTTL
}

// Response contains search results and routing metadata.
type Response struct {
	Results  []types.SearchResult
	Route    Route
	Duration time.Duration
	CacheHit bool
}

type cacheEntry struct {
	response  *Response
	expiresAt time.Time
}

// Searcher answers queries against one project's index.
type Searcher struct {
	backend index.Backend
	lex     *lexical.Index
	cache   *lru.Cache[[32]byte, *cacheEntry]
}

// New creates a Searcher over a backend and an optional lexical index.
func New(backend index.Backend, lex *lexical.Index) *Searcher {
	cache, err := lru.New[[32]byte, *cacheEntry](cacheSize)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(fmt.Sprintf("create query cache: %v", err))
	}
	return &Searcher{backend: backend, lex: lex, cache: cache}
}

// Search answers a query. Identifier-shaped queries go to the lexical index
// first; everything else, and identifier queries with no lexical hits, goes
// to the vector backend.
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if req.Query == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	key := cacheKey(req)
	if req.UseCache {
		if hit := s.checkCache(key); hit != nil {
			hit.CacheHit = true
			hit.Duration = time.Since(start)
			return hit, nil
		}
	}

	resp, err := s.search(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Duration = time.Since(start)

	if req.UseCache && len(resp.Results) > 0 {
		ttl := req.CacheTTL
		if ttl <= 0 {
			ttl = DefaultCacheTTL
		}
		// Cache a private copy: the caller owns resp and may mutate it.
		s.cache.Add(key, &cacheEntry{response: copyResponse(resp), expiresAt: time.Now().Add(ttl)})
	}
	return resp, nil
}

func (s *Searcher) search(ctx context.Context, req Request) (*Response, error) {
	if s.lex != nil && lexical.IsIdentifierQuery(req.Query) {
		results, err := s.lex.Search(req.Query, req.Limit)
		if err == nil && len(results) > 0 {
			return &Response{Results: results, Route: RouteLexical}, nil
		}
		// No exact-name hits; degrade to semantic search.
	}

	results, err := s.backend.Search(ctx, req.Query, req.Limit)
	if err != nil {
		return nil, err
	}
	return &Response{Results: results, Route: RouteVector}, nil
}

// Invalidate drops every cached response. Callers invoke it after a build
// completes so stale rankings never outlive the index they came from.
func (s *Searcher) Invalidate() {
	s.cache.Purge()
}

func (s *Searcher) checkCache(key [32]byte) *Response {
	entry, ok := s.cache.Get(key)
	if !ok {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		s.cache.Remove(key)
		return nil
	}
	return copyResponse(entry.response)
}

// copyResponse clones a response including its results, so neither the
// cache nor any past caller shares backing storage with the next caller.
func copyResponse(resp *Response) *Response {
	out := *resp
	out.Results = make([]types.SearchResult, len(resp.Results))
	copy(out.Results, resp.Results)
	return &out
}

func cacheKey(req Request) [32]byte {
	return sha256.Sum256(fmt.Appendf(nil, "%s|%d", req.Query, req.Limit))
}
