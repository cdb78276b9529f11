package multivec

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/tldr-swinton/internal/index"
	"github.com/mistakeknot/tldr-swinton/pkg/types"
)

const mockTokenDim = 16

// mockTokenEmbedder produces one hashed vector per word and counts the
// texts it embedded.
type mockTokenEmbedder struct {
	embedCalls int32
	closed     bool
}

func (m *mockTokenEmbedder) EmbedTokens(_ context.Context, texts []string) ([][][]float32, error) {
	atomic.AddInt32(&m.embedCalls, int32(len(texts)))
	out := make([][][]float32, len(texts))
	for i, t := range texts {
		out[i] = tokenMat(t)
	}
	return out, nil
}

func (m *mockTokenEmbedder) EmbedQueryTokens(_ context.Context, text string) ([][]float32, error) {
	return tokenMat(text), nil
}

func (m *mockTokenEmbedder) Model() string { return "mock-token-v1" }
func (m *mockTokenEmbedder) Close() error  { m.closed = true; return nil }

func (m *mockTokenEmbedder) calls() int { return int(atomic.LoadInt32(&m.embedCalls)) }

// tokenMat maps each word to a unit vector in a hashed bucket, so shared
// words produce dot products of exactly 1.
func tokenMat(text string) [][]float32 {
	words := strings.Fields(strings.ToLower(text))
	mat := make([][]float32, 0, len(words))
	for _, w := range words {
		v := make([]float32, mockTokenDim)
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[int(h.Sum32())%mockTokenDim] = 1
		mat = append(mat, v)
	}
	return mat
}

func unit(path, name, hash string) types.CodeUnit {
	return types.CodeUnit{
		ID:       types.UnitID(path, name),
		Name:     name,
		FilePath: path,
		Lines:    types.LineRange{Start: 1, End: 5},
		FileHash: hash,
	}
}

func testStore(t *testing.T, opts Options) (*Store, *mockTokenEmbedder, string) {
	t.Helper()
	dir := t.TempDir()
	emb := &mockTokenEmbedder{}
	return New(index.Dir(dir), emb, opts, nil), emb, dir
}

func buildAndSave(t *testing.T, s *Store, units []types.CodeUnit, texts []string) *types.BuildStats {
	t.Helper()
	stats, err := s.Build(context.Background(), units, texts, false)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background()))
	return stats
}

func TestBuildSearchLateInteraction(t *testing.T) {
	s, _, _ := testStore(t, DefaultOptions())
	ctx := context.Background()

	units := []types.CodeUnit{
		unit("auth.go", "ValidateToken", "h1"),
		unit("pool.go", "OpenPool", "h2"),
	}
	texts := []string{
		"validate token expiry signature",
		"open database connection pool",
	}
	stats := buildAndSave(t, s, units, texts)
	assert.True(t, stats.Rebuilt)
	assert.Equal(t, 2, stats.New)

	results, err := s.Search(ctx, "token expiry", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "ValidateToken", results[0].Name)
	// Both query tokens match exactly, one unit vector each.
	assert.InDelta(t, 2.0, results[0].Score, 1e-6)
}

func TestIncrementalKeepsZombiesOutOfResults(t *testing.T) {
	s, _, _ := testStore(t, DefaultOptions())
	ctx := context.Background()

	units := []types.CodeUnit{
		unit("a.go", "Alpha", "h1"),
		unit("b.go", "Beta", "h2"),
		unit("c.go", "Gamma", "h3"),
		unit("d.go", "Delta", "h4"),
		unit("e.go", "Epsilon", "h5"),
		unit("f.go", "Zeta", "h6"),
	}
	texts := []string{"alpha words", "beta words", "gamma words", "delta words", "epsilon words", "zeta words"}
	buildAndSave(t, s, units, texts)

	// Delete one unit: 1/6 is below the 20% threshold, so no rebuild.
	stats := buildAndSave(t, s, units[1:], texts[1:])
	assert.False(t, stats.Rebuilt)
	assert.Equal(t, 1, stats.Deleted)

	// The zombie row still exists but never surfaces.
	results, err := s.Search(ctx, "beta words", 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "Alpha", r.Name)
	}
	assert.Len(t, results, 5)

	info := s.Info()
	assert.Equal(t, 5, info.Count)
	assert.Equal(t, "6", info.Extra["doc_entries"])
	assert.Equal(t, "1", info.Extra["cumulative_deleted"])
	assert.Equal(t, "1", info.Extra["incremental_updates"])
}

func TestDeletionRatioForcesRebuild(t *testing.T) {
	s, _, _ := testStore(t, DefaultOptions())

	units := []types.CodeUnit{
		unit("a.go", "Alpha", "h1"),
		unit("b.go", "Beta", "h2"),
		unit("c.go", "Gamma", "h3"),
	}
	texts := []string{"alpha words", "beta words", "gamma words"}
	buildAndSave(t, s, units, texts)

	// Deleting 2 of 3 crosses the ratio threshold and forces a rebuild
	// even though the caller asked for an incremental build.
	stats := buildAndSave(t, s, units[:1], texts[:1])
	assert.True(t, stats.Rebuilt)
	assert.Equal(t, 2, stats.Deleted)

	// Counters reset and the zombie rows are gone.
	info := s.Info()
	assert.Equal(t, "0", info.Extra["incremental_updates"])
	assert.Equal(t, "0", info.Extra["cumulative_deleted"])
	assert.Equal(t, "1", info.Extra["doc_entries"])
	assert.Equal(t, "1", info.Extra["total_at_last_rebuild"])
}

func TestDeletionRatioAccumulatesAcrossBuilds(t *testing.T) {
	s, _, _ := testStore(t, DefaultOptions())

	units := make([]types.CodeUnit, 10)
	texts := make([]string, 10)
	for i := range units {
		units[i] = unit(fmt.Sprintf("f%d.go", i), fmt.Sprintf("Func%d", i), "h")
		texts[i] = fmt.Sprintf("words for function number%d", i)
	}
	buildAndSave(t, s, units, texts)

	// Drop one unit per build. 1/10 then 2/10 stay under 20%; the third
	// build sees a cumulative 3/10 and rebuilds.
	stats := buildAndSave(t, s, units[1:], texts[1:])
	assert.False(t, stats.Rebuilt)
	stats = buildAndSave(t, s, units[2:], texts[2:])
	assert.False(t, stats.Rebuilt)
	stats = buildAndSave(t, s, units[3:], texts[3:])
	assert.True(t, stats.Rebuilt)
}

func TestIncrementalCeilingForcesRebuild(t *testing.T) {
	opts := DefaultOptions()
	opts.IncrementalCeiling = 2
	opts.IncrementalWarn = 2
	s, emb, _ := testStore(t, opts)

	units := []types.CodeUnit{unit("a.go", "Alpha", "h0")}
	texts := []string{"alpha words zero"}
	buildAndSave(t, s, units, texts)

	for i := 1; i <= 2; i++ {
		units[0].FileHash = fmt.Sprintf("h%d", i)
		texts[0] = fmt.Sprintf("alpha words v%d", i)
		stats := buildAndSave(t, s, units, texts)
		assert.False(t, stats.Rebuilt, "build %d", i)
	}

	before := emb.calls()
	units[0].FileHash = "h3"
	texts[0] = "alpha words final"
	stats := buildAndSave(t, s, units, texts)
	assert.True(t, stats.Rebuilt)
	// The forced rebuild re-embeds the full unit set.
	assert.Equal(t, before+1, emb.calls())
	assert.Equal(t, "0", s.Info().Extra["incremental_updates"])
}

func TestIncrementalSkipsUnchanged(t *testing.T) {
	s, emb, dir := testStore(t, DefaultOptions())

	units := []types.CodeUnit{
		unit("a.go", "Alpha", "h1"),
		unit("b.go", "Beta", "h2"),
		unit("c.go", "Gamma", "h3"),
	}
	texts := []string{"alpha words", "beta words", "gamma words"}
	buildAndSave(t, s, units, texts)
	require.Equal(t, 3, emb.calls())

	// New process, one updated file.
	emb2 := &mockTokenEmbedder{}
	s2 := New(index.Dir(dir), emb2, DefaultOptions(), nil)
	units[0].FileHash = "h1-changed"
	texts[0] = "alpha words revised"
	stats, err := s2.Build(context.Background(), units, texts, false)
	require.NoError(t, err)
	require.NoError(t, s2.Save(context.Background()))

	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 2, stats.Unchanged)
	assert.Equal(t, 1, emb2.calls())
}

func TestSaveLoadRoundTripAfterIncremental(t *testing.T) {
	s, _, dir := testStore(t, DefaultOptions())
	ctx := context.Background()

	units := []types.CodeUnit{
		unit("a.go", "Alpha", "h1"),
		unit("b.go", "Beta", "h2"),
		unit("c.go", "Gamma", "h3"),
		unit("d.go", "Delta", "h4"),
		unit("e.go", "Epsilon", "h5"),
		unit("f.go", "Zeta", "h6"),
	}
	texts := []string{"alpha words", "beta words", "gamma words", "delta words", "epsilon words", "zeta words"}
	buildAndSave(t, s, units, texts)
	// One deletion under threshold: persisted state carries the zombie.
	buildAndSave(t, s, units[1:], texts[1:])

	s2 := New(index.Dir(dir), &mockTokenEmbedder{}, DefaultOptions(), nil)
	loaded, err := s2.Load(ctx)
	require.NoError(t, err)
	require.True(t, loaded)

	info := s2.Info()
	assert.Equal(t, 5, info.Count)
	assert.Equal(t, "1", info.Extra["incremental_updates"])
	assert.Equal(t, "1", info.Extra["cumulative_deleted"])

	results, err := s2.Search(ctx, "gamma words", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Gamma", results[0].Name)

	// Deleted unit stays invisible after a reload too.
	results, err = s2.Search(ctx, "alpha words", 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "Alpha", r.Name)
	}
}

func TestExplicitRebuildResetsCounters(t *testing.T) {
	s, _, _ := testStore(t, DefaultOptions())
	ctx := context.Background()

	units := []types.CodeUnit{
		unit("a.go", "Alpha", "h1"),
		unit("b.go", "Beta", "h2"),
		unit("c.go", "Gamma", "h3"),
		unit("d.go", "Delta", "h4"),
		unit("e.go", "Epsilon", "h5"),
		unit("f.go", "Zeta", "h6"),
	}
	texts := []string{"alpha words", "beta words", "gamma words", "delta words", "epsilon words", "zeta words"}
	buildAndSave(t, s, units, texts)
	buildAndSave(t, s, units[1:], texts[1:])
	require.Equal(t, "1", s.Info().Extra["incremental_updates"])

	stats, err := s.Build(ctx, units[1:], texts[1:], true)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx))
	assert.True(t, stats.Rebuilt)
	assert.Equal(t, "0", s.Info().Extra["incremental_updates"])
	assert.Equal(t, "5", s.Info().Extra["doc_entries"])
}

// blockingTokenEmbedder parks inside EmbedTokens until released.
type blockingTokenEmbedder struct {
	mockTokenEmbedder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingTokenEmbedder) EmbedTokens(ctx context.Context, texts []string) ([][][]float32, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.mockTokenEmbedder.EmbedTokens(ctx, texts)
}

func TestLoadDuringBuildLeavesGuardIntact(t *testing.T) {
	s, _, dir := testStore(t, DefaultOptions())
	ctx := context.Background()

	units := []types.CodeUnit{unit("a.go", "Alpha", "h1"), unit("b.go", "Beta", "h2")}
	texts := []string{"alpha words", "beta words"}
	buildAndSave(t, s, units, texts)

	emb := &blockingTokenEmbedder{entered: make(chan struct{}), release: make(chan struct{})}
	s2 := New(index.Dir(dir), emb, DefaultOptions(), nil)
	loaded, err := s2.Load(ctx)
	require.NoError(t, err)
	require.True(t, loaded)

	units[1] = unit("b.go", "Beta", "h2-changed")
	texts[1] = "beta words revised"
	buildDone := make(chan error, 1)
	go func() {
		_, buildErr := s2.Build(ctx, units, texts, false)
		if buildErr == nil {
			buildErr = s2.Save(ctx)
		}
		buildDone <- buildErr
	}()
	<-emb.entered

	// Load on the same store while its build is in flight must neither
	// release the build lock nor delete the in-progress sentinel.
	sub := index.SubDir(index.Dir(dir), index.KindMultiVector)
	loaded, err = s2.Load(ctx)
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.True(t, index.StaleBuild(sub))
	assert.ErrorIs(t, index.NewBuildGuard(sub).Acquire(), index.ErrBuildInProgress)

	close(emb.release)
	require.NoError(t, <-buildDone)
	assert.False(t, index.StaleBuild(sub))
}

func TestBuildUnitsTextsMismatch(t *testing.T) {
	s, _, _ := testStore(t, DefaultOptions())
	_, err := s.Build(context.Background(), []types.CodeUnit{unit("a.go", "Alpha", "h1")}, nil, false)
	assert.ErrorIs(t, err, index.ErrEmbeddingCount)
}

func TestNilEmbedderIsUnavailable(t *testing.T) {
	s := New(index.Dir(t.TempDir()), nil, DefaultOptions(), nil)
	_, err := s.Build(context.Background(), []types.CodeUnit{unit("a.go", "Alpha", "h1")}, []string{"x"}, false)
	assert.ErrorIs(t, err, index.ErrUnavailable)
}

func TestCloseReleasesResidentModel(t *testing.T) {
	dir := t.TempDir()
	emb := &mockTokenEmbedder{}
	s := New(index.Dir(dir), emb, DefaultOptions(), nil)
	require.NoError(t, s.Close())
	assert.True(t, emb.closed)
}

// The worked example from the design discussions: three files indexed,
// one changes, two deletions of three force a rebuild.
func TestUpdateScenario(t *testing.T) {
	s, _, _ := testStore(t, DefaultOptions())

	foo := unit("foo.go", "Foo", "hash-foo")
	bar := unit("bar.go", "Bar", "hash-bar")
	baz := unit("baz.go", "Baz", "hash-baz")
	texts := map[string]string{
		foo.ID: "foo implementation words",
		bar.ID: "bar implementation words",
		baz.ID: "baz implementation words",
	}
	all := []types.CodeUnit{foo, bar, baz}
	buildAndSave(t, s, all, []string{texts[foo.ID], texts[bar.ID], texts[baz.ID]})

	// bar.go edited: exactly one updated, two unchanged.
	bar.FileHash = "hash-bar-2"
	stats := buildAndSave(t, s, []types.CodeUnit{foo, bar, baz},
		[]string{texts[foo.ID], "bar implementation revised", texts[baz.ID]})
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 2, stats.Unchanged)
	assert.Equal(t, 0, stats.Deleted)
	assert.False(t, stats.Rebuilt)

	// foo.go and baz.go removed: 2 of 3 deleted crosses the threshold.
	stats = buildAndSave(t, s, []types.CodeUnit{bar}, []string{"bar implementation revised"})
	assert.Equal(t, 2, stats.Deleted)
	assert.True(t, stats.Rebuilt)
	assert.Equal(t, 1, s.Info().Count)
	assert.Equal(t, "1", s.Info().Extra["doc_entries"])
}
