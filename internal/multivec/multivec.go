// Package multivec implements the multi-vector backend: per-token
// embeddings per code unit scored by late interaction (each query token
// takes its best-matching document token; scores are summed).
//
// The underlying index format has no true deletion. Deleted units are
// dropped from the metadata maps, which hides them from results, but
// their token vectors stay in the index until a full rebuild. Two
// counters therefore force periodic rebuilds: retrieval quality of a
// clustered multi-vector index degrades as incremental adds accumulate,
// and stale vectors waste space and risk resurfacing.
package multivec

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mistakeknot/tldr-swinton/internal/embedder"
	"github.com/mistakeknot/tldr-swinton/internal/index"
	"github.com/mistakeknot/tldr-swinton/pkg/types"
)

// Options holds the rebuild thresholds. The defaults are the documented
// conventions, exposed as tunables rather than hardcoded.
type Options struct {
	// DeleteRatioThreshold forces a full rebuild once the ratio of
	// units deleted since the last rebuild to the unit count at that
	// rebuild exceeds it.
	DeleteRatioThreshold float64

	// IncrementalCeiling forces a full rebuild after this many
	// incremental builds since the last full rebuild.
	IncrementalCeiling int

	// IncrementalWarn logs a degradation warning once this many
	// incremental builds have accumulated.
	IncrementalWarn int
}

// DefaultOptions returns the documented threshold conventions.
func DefaultOptions() Options {
	return Options{
		DeleteRatioThreshold: 0.20,
		IncrementalCeiling:   50,
		IncrementalWarn:      20,
	}
}

// Store is the multi-vector backend. It implements index.Backend.
type Store struct {
	indexDir string
	dir      string
	emb      embedder.TokenEmbedder
	guard    *index.BuildGuard
	logger   *slog.Logger
	opts     Options

	mu          sync.RWMutex
	cur         *state
	pendingSwap bool // last build was a full rebuild; Save must swap dirs
}

// docEntry is one document's token matrix. The docs slice is append-only
// between rebuilds: updates append a new entry and repoint docRow, and
// deletions leave the entry in place as a zombie.
type docEntry struct {
	id     string
	tokens [][]float32
}

// state is one immutable generation of in-memory index state.
type state struct {
	docs   []docEntry
	units  map[string]types.CodeUnit // live units only
	docRow map[string]int            // unit id -> latest row in docs
	model  string

	incUpdates     int // incremental builds since last full rebuild
	cumDeleted     int // units deleted since last full rebuild
	totalAtRebuild int // live unit count at last full rebuild
}

func (st *state) count() int {
	if st == nil {
		return 0
	}
	return len(st.units)
}

// live reports whether docs[row] is the current entry for a live unit.
func (st *state) live(row int) bool {
	id := st.docs[row].id
	if r, ok := st.docRow[id]; !ok || r != row {
		return false
	}
	_, ok := st.units[id]
	return ok
}

// New constructs the backend. Construction never dials the embedding
// service; the model loads lazily on first use and stays resident.
func New(indexDir string, emb embedder.TokenEmbedder, opts Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DeleteRatioThreshold <= 0 {
		opts = DefaultOptions()
	}
	dir := index.SubDir(indexDir, index.KindMultiVector)
	return &Store{
		indexDir: indexDir,
		dir:      dir,
		emb:      emb,
		guard:    index.NewBuildGuard(dir),
		logger:   logger.With("backend", string(index.KindMultiVector)),
		opts:     opts,
	}
}

// Build updates the index from the incoming unit set. A full rebuild is
// forced, regardless of the caller's intent, once either threshold is
// crossed: this is a correctness requirement, not an optimization.
func (s *Store) Build(ctx context.Context, units []types.CodeUnit, texts []string, rebuild bool) (*types.BuildStats, error) {
	if s.emb == nil {
		return nil, fmt.Errorf("%w: no multi-vector embedder configured (set %s)",
			index.ErrUnavailable, embedder.EnvLateURL)
	}
	if len(units) != len(texts) {
		return nil, fmt.Errorf("%w: %d units but %d texts", index.ErrEmbeddingCount, len(units), len(texts))
	}

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
		Backend:    string(index.KindMultiVector),
		EmbedModel: s.emb.Model(),
	}

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

	force, reason := s.forceRebuild(prev, stats.Deleted)
	if prev == nil || force {
		if force {
			s.logger.Info("forcing full rebuild", "reason", reason)
		}
		if err := s.rebuildAll(ctx, units, texts); err != nil {
			return nil, err
		}
		stats.Rebuilt = true
	} else {
		if err := s.incremental(ctx, prev, units, embedUnits, embedTexts, incoming, stats.Deleted); err != nil {
			return nil, err
		}
	}

	if err := stats.CheckTotal(len(units)); err != nil {
		return nil, err
	}
	s.logger.Info("build complete",
		"new", stats.New, "updated", stats.Updated,
		"unchanged", stats.Unchanged, "deleted", stats.Deleted,
		"rebuilt", stats.Rebuilt)
	return stats, nil
}

// forceRebuild decides whether thresholds require a full rebuild before
// this build's deletions are applied.
func (s *Store) forceRebuild(prev *state, deleted int) (bool, string) {
	if prev == nil {
		return false, ""
	}
	if prev.totalAtRebuild > 0 {
		ratio := float64(prev.cumDeleted+deleted) / float64(prev.totalAtRebuild)
		if ratio > s.opts.DeleteRatioThreshold {
			return true, fmt.Sprintf("cumulative deletion ratio %.2f exceeds %.2f", ratio, s.opts.DeleteRatioThreshold)
		}
	}
	if prev.incUpdates+1 > s.opts.IncrementalCeiling {
		return true, fmt.Sprintf("incremental update count %d exceeds ceiling %d", prev.incUpdates+1, s.opts.IncrementalCeiling)
	}
	return false, ""
}

// rebuildAll re-embeds every current unit and constructs a brand-new
// generation; counters reset.
func (s *Store) rebuildAll(ctx context.Context, units []types.CodeUnit, texts []string) error {
	mats, err := s.embedAll(ctx, texts)
	if err != nil {
		return err
	}

	next := &state{
		docs:           make([]docEntry, 0, len(units)),
		units:          make(map[string]types.CodeUnit, len(units)),
		docRow:         make(map[string]int, len(units)),
		model:          s.emb.Model(),
		totalAtRebuild: len(units),
	}
	for i, u := range units {
		next.docRow[u.ID] = len(next.docs)
		next.docs = append(next.docs, docEntry{id: u.ID, tokens: mats[i]})
		next.units[u.ID] = u
	}

	s.mu.Lock()
	s.cur = next
	s.pendingSwap = true
	s.mu.Unlock()
	return nil
}

// incremental appends new and changed documents via the index's native
// add path. Deleted units leave the metadata maps only; their vectors
// remain until the next forced rebuild and are filtered at search time.
func (s *Store) incremental(ctx context.Context, prev *state, units, embedUnits []types.CodeUnit,
	embedTexts []string, incoming map[string]struct{}, deleted int) error {

	mats, err := s.embedAll(ctx, embedTexts)
	if err != nil {
		return err
	}

	next := &state{
		docs:           append(make([]docEntry, 0, len(prev.docs)+len(embedUnits)), prev.docs...),
		units:          make(map[string]types.CodeUnit, len(units)),
		docRow:         make(map[string]int, len(units)),
		model:          prev.model,
		incUpdates:     prev.incUpdates + 1,
		cumDeleted:     prev.cumDeleted + deleted,
		totalAtRebuild: prev.totalAtRebuild,
	}
	for id, row := range prev.docRow {
		if _, ok := incoming[id]; ok {
			next.docRow[id] = row
		}
		// Deleted ids keep their zombie rows but lose their map entries.
	}
	for i, u := range embedUnits {
		next.docRow[u.ID] = len(next.docs)
		next.docs = append(next.docs, docEntry{id: u.ID, tokens: mats[i]})
	}
	for _, u := range units {
		next.units[u.ID] = u
	}

	if next.incUpdates >= s.opts.IncrementalWarn {
		s.logger.Warn("incremental updates accumulating, retrieval quality may degrade",
			"updates_since_rebuild", next.incUpdates, "ceiling", s.opts.IncrementalCeiling)
	}

	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
	return nil
}

func (s *Store) embedAll(ctx context.Context, texts []string) ([][][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedder.MaxBatchSize {
		end := min(start+embedder.MaxBatchSize, len(texts))
		mats, err := s.emb.EmbedTokens(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		if len(mats) != end-start {
			return nil, fmt.Errorf("%w: requested %d, got %d", index.ErrEmbeddingCount, end-start, len(mats))
		}
		out = append(out, mats...)
	}
	return out, nil
}

// Search embeds the query into its multi-vector form and scores documents
// by late interaction. Rows whose unit id is no longer in the metadata
// map are skipped; that filter is what hides deleted-but-not-purged
// documents.
func (s *Store) Search(ctx context.Context, query string, k int) ([]types.SearchResult, error) {
	st := s.snapshot()
	if st.count() == 0 || k <= 0 {
		return []types.SearchResult{}, nil
	}
	if s.emb == nil {
		return []types.SearchResult{}, nil
	}

	qtoks, err := s.emb.EmbedQueryTokens(ctx, query)
	if err != nil {
		s.logger.Warn("query embedding failed", "error", err)
		return []types.SearchResult{}, nil
	}
	if len(qtoks) == 0 {
		return []types.SearchResult{}, nil
	}

	type scored struct {
		row   int
		score float64
	}
	var cands []scored
	for row := range st.docs {
		if !st.live(row) {
			continue
		}
		cands = append(cands, scored{row: row, score: lateInteraction(qtoks, st.docs[row].tokens)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	if k > len(cands) {
		k = len(cands)
	}

	results := make([]types.SearchResult, 0, k)
	for i := 0; i < k; i++ {
		u := st.units[st.docs[cands[i].row].id]
		results = append(results, types.SearchResult{
			UnitID:   u.ID,
			Rank:     i + 1,
			Score:    cands[i].score,
			Name:     u.Name,
			FilePath: u.FilePath,
			Lines:    u.Lines,
		})
	}
	return results, nil
}

// lateInteraction computes MaxSim: each query token contributes its best
// dot product against the document's tokens.
func lateInteraction(qtoks, dtoks [][]float32) float64 {
	var total float64
	for _, q := range qtoks {
		best := 0.0
		for _, d := range dtoks {
			if sim := dot(q, d); sim > best {
				best = sim
			}
		}
		total += best
	}
	return total
}

// Info is a pure read of the live snapshot or, failing that, of the
// persisted metadata.
func (s *Store) Info() types.BackendInfo {
	info := types.BackendInfo{
		Backend:   string(index.KindMultiVector),
		IndexPath: s.dir,
		Dimension: 0, // per-token, variable
		Extra:     map[string]string{},
	}
	if st := s.snapshot(); st != nil {
		info.EmbedModel = st.model
		info.Count = st.count()
		info.Extra["incremental_updates"] = fmt.Sprint(st.incUpdates)
		info.Extra["cumulative_deleted"] = fmt.Sprint(st.cumDeleted)
		info.Extra["total_at_last_rebuild"] = fmt.Sprint(st.totalAtRebuild)
		info.Extra["doc_entries"] = fmt.Sprint(len(st.docs))
		return info
	}
	if meta, err := readSubMeta(s.dir); err == nil {
		info.EmbedModel = meta.EmbedModel
		info.Count = meta.Count
		info.Extra["incremental_updates"] = fmt.Sprint(meta.IncUpdates)
		info.Extra["cumulative_deleted"] = fmt.Sprint(meta.CumDeleted)
	}
	return info
}

// Close releases the guard if a failed build left it held and the
// resident model.
func (s *Store) Close() error {
	var err error
	if s.guard.Held() {
		err = s.guard.Release(false)
	}
	if s.emb != nil {
		if cerr := s.emb.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
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
