// Package vecstore implements the single-vector backend: one normalized
// dense embedding per code unit stored in a flat inner-product index.
// It supports true incremental add/update/delete, so the vector set is
// always minimal and rebuilding the flat structure is just reassembling
// a matrix.
package vecstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mistakeknot/tldr-swinton/internal/embedder"
	"github.com/mistakeknot/tldr-swinton/internal/index"
	"github.com/mistakeknot/tldr-swinton/internal/lexical"
	"github.com/mistakeknot/tldr-swinton/pkg/types"
)

// Store is the single-vector backend. It implements index.Backend and the
// optional index.NameLookup capability.
//
// In-memory state lives behind a snapshot pointer: readers copy the
// pointer under a short read lock and work against the snapshot, writers
// assemble a complete replacement off to the side and swap it in under
// the write lock. The lock is never held across embedding or disk I/O.
type Store struct {
	indexDir string // top-level index directory
	dir      string // this backend's subdirectory
	emb      embedder.Embedder
	lex      *lexical.Index // optional rank-fusion source; may be nil
	guard    *index.BuildGuard
	logger   *slog.Logger

	mu  sync.RWMutex
	cur *state
}

// state is one immutable generation of the in-memory index. vectors[i]
// is the normalized embedding of the unit at ids[i].
type state struct {
	dim     int
	ids     []string
	vectors [][]float32
	units   map[string]types.CodeUnit
	rows    map[string]int
	model   string
}

func (st *state) count() int {
	if st == nil {
		return 0
	}
	return len(st.ids)
}

// New constructs the backend. Construction never fails on a missing
// embedding dependency; availability is checked lazily on first use so
// the factory can probe alternatives cheaply.
func New(indexDir string, emb embedder.Embedder, lex *lexical.Index, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	dir := index.SubDir(indexDir, index.KindSingleVector)
	return &Store{
		indexDir: indexDir,
		dir:      dir,
		emb:      emb,
		lex:      lex,
		guard:    index.NewBuildGuard(dir),
		logger:   logger.With("backend", string(index.KindSingleVector)),
	}
}

// Build updates the index from the incoming unit set. Only new and
// changed units are re-embedded; unchanged vectors are carried over
// verbatim. The build lock is held from here until Save completes so a
// concurrent process cannot interleave on-disk writes.
func (s *Store) Build(ctx context.Context, units []types.CodeUnit, texts []string, rebuild bool) (*types.BuildStats, error) {
	if s.emb == nil {
		return nil, fmt.Errorf("%w: no dense embedder configured (set %s or %s)",
			index.ErrUnavailable, embedder.EnvProvider, embedder.EnvOllamaURL)
	}
	if len(units) != len(texts) {
		return nil, fmt.Errorf("%w: %d units but %d texts", index.ErrEmbeddingCount, len(units), len(texts))
	}

	// Load any previous generation before taking the guard: load itself
	// inspects the sentinel, which Acquire is about to create.
	if !rebuild && s.snapshot() == nil {
		if _, err := s.load(ctx); err != nil {
			s.logger.Warn("loading previous index before incremental build", "error", err)
		}
	}

	if err := s.guard.Acquire(); err != nil {
		return nil, err
	}
	stats, err := s.build(ctx, units, texts, rebuild)
	if err != nil {
		if relErr := s.guard.Release(false); relErr != nil {
			s.logger.Warn("release build lock", "error", relErr)
		}
		return nil, err
	}
	return stats, nil
}

func (s *Store) build(ctx context.Context, units []types.CodeUnit, texts []string, rebuild bool) (*types.BuildStats, error) {
	prev := s.snapshot()
	if rebuild {
		prev = nil
	}

	stats := &types.BuildStats{
		Backend:    string(index.KindSingleVector),
		EmbedModel: s.emb.Model(),
		Rebuilt:    prev == nil,
	}

	// Partition incoming units against the previous hash map.
	var embedUnits []types.CodeUnit
	var embedTexts []string
	incoming := make(map[string]struct{}, len(units))
	for i, u := range units {
		incoming[u.ID] = struct{}{}
		if prev != nil {
			if old, ok := prev.units[u.ID]; ok {
				if old.FileHash == u.FileHash {
					stats.Unchanged++
					continue
				}
				stats.Updated++
			} else {
				stats.New++
			}
		} else {
			stats.New++
		}
		embedUnits = append(embedUnits, u)
		embedTexts = append(embedTexts, texts[i])
	}
	if prev != nil {
		for id := range prev.units {
			if _, ok := incoming[id]; !ok {
				stats.Deleted++
			}
		}
	}

	fresh, err := s.embedAll(ctx, embedTexts)
	if err != nil {
		return nil, err
	}

	// Assemble the next generation: deleted vectors dropped, changed
	// vectors replaced, unchanged vectors retained without re-embedding.
	next := &state{
		dim:     s.emb.Dimension(),
		units:   make(map[string]types.CodeUnit, len(units)),
		rows:    make(map[string]int, len(units)),
		model:   s.emb.Model(),
		ids:     make([]string, 0, len(units)),
		vectors: make([][]float32, 0, len(units)),
	}
	freshRows := make(map[string]int, len(embedUnits))
	for i, u := range embedUnits {
		freshRows[u.ID] = i
	}
	for _, u := range units {
		var vec []float32
		if row, ok := freshRows[u.ID]; ok {
			vec = fresh[row]
		} else {
			vec = prev.vectors[prev.rows[u.ID]]
		}
		next.rows[u.ID] = len(next.ids)
		next.ids = append(next.ids, u.ID)
		next.vectors = append(next.vectors, vec)
		next.units[u.ID] = u
	}

	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()

	if err := stats.CheckTotal(len(units)); err != nil {
		return nil, err
	}
	s.logger.Info("build complete",
		"new", stats.New, "updated", stats.Updated,
		"unchanged", stats.Unchanged, "deleted", stats.Deleted,
		"rebuilt", stats.Rebuilt)
	return stats, nil
}

// embedAll embeds texts in provider-sized batches, normalizes the
// vectors, and enforces the one-vector-per-text invariant.
func (s *Store) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedder.MaxBatchSize {
		end := min(start+embedder.MaxBatchSize, len(texts))
		vecs, err := s.emb.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("%w: requested %d, got %d", index.ErrEmbeddingCount, end-start, len(vecs))
		}
		for _, v := range vecs {
			out = append(out, embedder.Normalize(v))
		}
	}
	return out, nil
}

// Search embeds the query and ranks all stored vectors by inner product.
// When the query carries an identifier-like substring and a lexical index
// is attached, the embedding ranking is fused with the BM25 ranking via
// reciprocal rank fusion. Fusion is a single-vector concern: the
// multi-vector backend's late-interaction scoring already captures
// token-level lexical signal.
func (s *Store) Search(ctx context.Context, query string, k int) ([]types.SearchResult, error) {
	st := s.snapshot()
	if st.count() == 0 || k <= 0 {
		return []types.SearchResult{}, nil
	}
	if s.emb == nil {
		return []types.SearchResult{}, nil
	}

	qv, err := s.emb.EmbedQuery(ctx, query)
	if err != nil {
		s.logger.Warn("query embedding failed", "error", err)
		return []types.SearchResult{}, nil
	}
	qv = embedder.Normalize(qv)

	dense := rankDense(st, qv, k)

	if s.lex != nil && lexical.HasIdentifierToken(query) {
		lexHits, err := s.lex.Search(query, k)
		if err != nil {
			s.logger.Warn("lexical fusion search failed", "error", err)
		} else if len(lexHits) > 0 {
			return fuseRRF(st, dense, lexHits, k), nil
		}
	}
	return dense, nil
}

// rankDense scores every row and returns the top k as results.
func rankDense(st *state, qv []float32, k int) []types.SearchResult {
	type scored struct {
		row   int
		score float64
	}
	cands := make([]scored, len(st.vectors))
	for i, v := range st.vectors {
		cands[i] = scored{row: i, score: dot(qv, v)}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	if k > len(cands) {
		k = len(cands)
	}

	results := make([]types.SearchResult, 0, k)
	for i := 0; i < k; i++ {
		u := st.units[st.ids[cands[i].row]]
		results = append(results, types.SearchResult{
			UnitID:   u.ID,
			Rank:     i + 1,
			Score:    cands[i].score,
			Name:     u.Name,
			FilePath: u.FilePath,
			Lines:    u.Lines,
		})
	}
	return results
}

// LookupName implements the optional exact-name capability using the
// in-memory unit map.
func (s *Store) LookupName(name string, k int) []types.SearchResult {
	st := s.snapshot()
	if st.count() == 0 || k <= 0 {
		return nil
	}
	var results []types.SearchResult
	for _, id := range st.ids {
		u := st.units[id]
		if u.Name != name {
			continue
		}
		results = append(results, types.SearchResult{
			UnitID:   u.ID,
			Rank:     len(results) + 1,
			Score:    1,
			Name:     u.Name,
			FilePath: u.FilePath,
			Lines:    u.Lines,
		})
		if len(results) == k {
			break
		}
	}
	return results
}

// Info is a pure read; it reports the live snapshot when loaded, or the
// persisted metadata otherwise.
func (s *Store) Info() types.BackendInfo {
	info := types.BackendInfo{
		Backend:   string(index.KindSingleVector),
		IndexPath: s.dir,
		Extra:     map[string]string{},
	}
	if st := s.snapshot(); st != nil {
		info.EmbedModel = st.model
		info.Dimension = st.dim
		info.Count = st.count()
		return info
	}
	if meta, err := readSubMeta(s.dir); err == nil {
		info.EmbedModel = meta.EmbedModel
		info.Dimension = meta.Dimension
		info.Count = meta.Count
	}
	return info
}

// Close releases the guard if a failed build left it held. The embedder
// lifecycle belongs to the caller.
func (s *Store) Close() error {
	if s.guard.Held() {
		return s.guard.Release(false)
	}
	return nil
}

func (s *Store) snapshot() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func dot(a, b []float32) float64 {
	n := min(len(a), len(b))
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
