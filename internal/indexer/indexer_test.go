package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/tldr-swinton/internal/embedder"
	"github.com/mistakeknot/tldr-swinton/internal/index"
	"github.com/mistakeknot/tldr-swinton/internal/lexical"
	"github.com/mistakeknot/tldr-swinton/internal/multivec"
	"github.com/mistakeknot/tldr-swinton/internal/vecstore"
	"github.com/mistakeknot/tldr-swinton/pkg/types"
)

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, src := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	}
	return root
}

var sampleProject = map[string]string{
	"auth/token.go": `package auth

// ValidateToken checks token expiry and signature.
func ValidateToken(raw string) error { return nil }
`,
	"db/pool.go": `package db

// OpenPool opens the database connection pool.
func OpenPool(dsn string) error { return nil }
`,
	"db/pool_test.go": `package db

import "testing"

func TestOpenPool(t *testing.T) {}
`,
	"vendor/dep/dep.go": `package dep

func Vendored() {}
`,
	".hidden/skip.go": `package hidden

func Hidden() {}
`,
	"README.md": "not go code",
}

func TestScanSkipsVendorHiddenAndTests(t *testing.T) {
	root := writeProject(t, sampleProject)
	ix := New(nil)

	units, texts, files, err := ix.Scan(context.Background(), root, Config{})
	require.NoError(t, err)
	assert.Equal(t, 2, files)
	require.Len(t, units, 2)
	require.Len(t, texts, len(units))

	names := []string{units[0].Name, units[1].Name}
	assert.ElementsMatch(t, []string{"ValidateToken", "OpenPool"}, names)
	for _, u := range units {
		require.NoError(t, u.Validate())
	}
}

func TestScanIncludesTestsWhenAsked(t *testing.T) {
	root := writeProject(t, sampleProject)
	ix := New(nil)

	units, _, files, err := ix.Scan(context.Background(), root, Config{IncludeTests: true})
	require.NoError(t, err)
	assert.Equal(t, 3, files)
	names := make([]string, 0, len(units))
	for _, u := range units {
		names = append(names, u.Name)
	}
	assert.Contains(t, names, "TestOpenPool")
}

func TestScanIsDeterministic(t *testing.T) {
	root := writeProject(t, sampleProject)
	ix := New(nil)

	units1, texts1, _, err := ix.Scan(context.Background(), root, Config{Workers: 4})
	require.NoError(t, err)
	units2, texts2, _, err := ix.Scan(context.Background(), root, Config{Workers: 1})
	require.NoError(t, err)

	assert.Equal(t, units1, units2)
	assert.Equal(t, texts1, texts2)
}

func TestPrepareText(t *testing.T) {
	u := types.CodeUnit{
		Name:       "ValidateToken",
		FilePath:   "auth/token.go",
		DocSummary: "ValidateToken checks token expiry",
		Signature:  "func ValidateToken(raw string) error",
	}
	text := PrepareText(&u)
	assert.Contains(t, text, "ValidateToken\n")
	assert.Contains(t, text, "auth/token.go")
	assert.Contains(t, text, "checks token expiry")
	assert.Contains(t, text, "func ValidateToken(raw string) error")
}

func TestBuildIndexEndToEnd(t *testing.T) {
	root := writeProject(t, sampleProject)
	ctx := context.Background()

	lex, err := lexical.Open(index.Dir(root))
	require.NoError(t, err)
	defer func() { _ = lex.Close() }()

	emb := embedder.NewLocalProvider(nil)
	backend := vecstore.New(index.Dir(root), emb, lex, nil)
	defer func() { _ = backend.Close() }()

	ix := New(nil)
	res, err := ix.BuildIndex(ctx, root, backend, lex, Config{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Units)
	assert.Equal(t, 2, res.Stats.New)

	// Persisted metadata pins the backend kind.
	meta, ok, err := index.ReadTopMeta(index.Dir(root))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, index.KindSingleVector, meta.Backend)
	assert.Equal(t, 2, meta.Count)

	// The lexical index was rebuilt from the same units.
	n, err := lex.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	results, err := backend.Search(ctx, "database connection pool", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "OpenPool", results[0].Name)

	// A second build over the unchanged tree is a no-op partition.
	res, err = ix.BuildIndex(ctx, root, backend, lex, Config{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.Unchanged)
	assert.Equal(t, 0, res.Stats.New+res.Stats.Updated+res.Stats.Deleted)
}

func denseDeps() BackendDeps {
	return BackendDeps{Dense: embedder.NewLocalProvider(nil)}
}

func TestGetBackendExplicitKinds(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	b, err := GetBackend(ctx, root, "single-vector", denseDeps())
	require.NoError(t, err)
	assert.Equal(t, "single-vector", b.Info().Backend)

	deps := denseDeps()
	deps.Token = embedder.NewLocalTokenProvider()
	b, err = GetBackend(ctx, root, "multi-vector", deps)
	require.NoError(t, err)
	assert.Equal(t, "multi-vector", b.Info().Backend)
}

func TestGetBackendUnknownKind(t *testing.T) {
	_, err := GetBackend(context.Background(), t.TempDir(), "quantum", denseDeps())
	assert.ErrorIs(t, err, index.ErrUnknownBackend)
}

func TestGetBackendExplicitUnavailable(t *testing.T) {
	// Asking for multi-vector without a token provider is an error, not
	// a silent fallback.
	_, err := GetBackend(context.Background(), t.TempDir(), "multi-vector", denseDeps())
	assert.ErrorIs(t, err, index.ErrUnavailable)

	_, err = GetBackend(context.Background(), t.TempDir(), "single-vector", BackendDeps{})
	assert.ErrorIs(t, err, index.ErrUnavailable)
}

func TestGetBackendAutoPrefersMultiVector(t *testing.T) {
	deps := denseDeps()
	deps.Token = embedder.NewLocalTokenProvider()
	b, err := GetBackend(context.Background(), t.TempDir(), BackendAuto, deps)
	require.NoError(t, err)
	assert.Equal(t, "multi-vector", b.Info().Backend)
}

func TestGetBackendAutoFallsBackToDense(t *testing.T) {
	b, err := GetBackend(context.Background(), t.TempDir(), BackendAuto, denseDeps())
	require.NoError(t, err)
	assert.Equal(t, "single-vector", b.Info().Backend)
}

func TestGetBackendAutoHonorsPersistedKind(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, index.WriteTopMeta(index.Dir(root), index.TopMeta{
		Backend:    index.KindSingleVector,
		EmbedModel: "local-hash-v1",
		Dimension:  256,
		Count:      1,
	}))

	// Even with a token provider available, the persisted single-vector
	// index wins under auto.
	deps := denseDeps()
	deps.Token = embedder.NewLocalTokenProvider()
	b, err := GetBackend(context.Background(), root, BackendAuto, deps)
	require.NoError(t, err)
	assert.Equal(t, "single-vector", b.Info().Backend)
}

func TestGetBackendAutoNoProviders(t *testing.T) {
	_, err := GetBackend(context.Background(), t.TempDir(), BackendAuto, BackendDeps{})
	assert.ErrorIs(t, err, index.ErrUnavailable)
}

func TestBuildIndexMultiVector(t *testing.T) {
	root := writeProject(t, sampleProject)
	ctx := context.Background()

	backend := multivec.New(index.Dir(root), embedder.NewLocalTokenProvider(), multivec.DefaultOptions(), nil)
	defer func() { _ = backend.Close() }()

	ix := New(nil)
	res, err := ix.BuildIndex(ctx, root, backend, nil, Config{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Units)
	assert.True(t, res.Stats.Rebuilt)

	meta, ok, err := index.ReadTopMeta(index.Dir(root))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, index.KindMultiVector, meta.Backend)
}
