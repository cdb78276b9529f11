package lexical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/tldr-swinton/pkg/types"
)

func TestIsIdentifierQuery(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"ValidateToken", true},
		{"parse_file", true},
		{"pkg.Indexer.Build", true},
		{"internal/lexical.Open", true},
		{"_private", true},
		{"how do I validate a token", false},
		{"ValidateToken expiry", false},
		{"", false},
		{"123abc", false},
		{"foo..bar", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsIdentifierQuery(tt.query), "query %q", tt.query)
	}
}

func TestHasIdentifierToken(t *testing.T) {
	assert.True(t, HasIdentifierToken("where is parse_file used"))
	assert.True(t, HasIdentifierToken("what does pkg.Build do"))
	assert.False(t, HasIdentifierToken("how are tokens validated"))
}

func unitFixture(path, name string, start int) types.CodeUnit {
	return types.CodeUnit{
		ID:       types.UnitID(path, name),
		Name:     name,
		FilePath: path,
		Lines:    types.LineRange{Start: start, End: start + 10},
		FileHash: types.HashContent([]byte(path + name)),
	}
}

func TestIndexSearchFindsIdentifier(t *testing.T) {
	ix, err := Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = ix.Close() }()

	units := []types.CodeUnit{
		unitFixture("internal/auth/token.go", "ValidateToken", 10),
		unitFixture("internal/auth/session.go", "RefreshSession", 20),
		unitFixture("internal/db/pool.go", "OpenPool", 30),
	}
	texts := []string{
		"ValidateToken checks token expiry and signature",
		"RefreshSession extends an active session",
		"OpenPool opens the database connection pool",
	}
	require.NoError(t, ix.Update(units, texts, nil))

	n, err := ix.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	results, err := ix.Search("ValidateToken", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "ValidateToken", results[0].Name)
	assert.Equal(t, "internal/auth/token.go", results[0].FilePath)
	assert.Equal(t, 10, results[0].Lines.Start)
	assert.Equal(t, 1, results[0].Rank)
}

func TestIndexSearchNaturalLanguage(t *testing.T) {
	ix, err := Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = ix.Close() }()

	units := []types.CodeUnit{
		unitFixture("a.go", "ValidateToken", 1),
		unitFixture("b.go", "OpenPool", 1),
	}
	texts := []string{
		"ValidateToken checks token expiry and signature",
		"OpenPool opens the database connection pool",
	}
	require.NoError(t, ix.Update(units, texts, nil))

	results, err := ix.Search("database connection", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "OpenPool", results[0].Name)
}

func TestIndexUpdateDeletes(t *testing.T) {
	ix, err := Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = ix.Close() }()

	u := unitFixture("a.go", "Gone", 1)
	require.NoError(t, ix.Update([]types.CodeUnit{u}, []string{"Gone does things"}, nil))
	require.NoError(t, ix.Update(nil, nil, []string{u.ID}))

	n, err := ix.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestIndexRebuildReplacesEverything(t *testing.T) {
	ix, err := Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = ix.Close() }()

	old := unitFixture("old.go", "OldFunc", 1)
	require.NoError(t, ix.Update([]types.CodeUnit{old}, []string{"OldFunc"}, nil))

	fresh := unitFixture("new.go", "NewFunc", 1)
	require.NoError(t, ix.Rebuild([]types.CodeUnit{fresh}, []string{"NewFunc replaces old"}))

	n, err := ix.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	results, err := ix.LookupName("NewFunc", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, fresh.ID, results[0].UnitID)
}

func TestSplitIdentifier(t *testing.T) {
	assert.Equal(t, "parse file do thing", splitIdentifier("parseFile.doThing"))
	assert.Equal(t, "validate token", splitIdentifier("validate_token"))
	assert.Equal(t, "http server", splitIdentifier("HttpServer"))
	// Runs of capitals stay together.
	assert.Equal(t, "httpserver", splitIdentifier("HTTPServer"))
}
