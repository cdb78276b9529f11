package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitIDDeterministic(t *testing.T) {
	a := UnitID("internal/auth/token.go", "ValidateToken")
	b := UnitID("internal/auth/token.go", "ValidateToken")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestUnitIDDistinguishesPathAndName(t *testing.T) {
	// The separator prevents ("a/b", "c") colliding with ("a", "b/c").
	assert.NotEqual(t, UnitID("a/b", "c"), UnitID("a", "b/c"))
	assert.NotEqual(t, UnitID("x.go", "Foo"), UnitID("x.go", "Bar"))
	assert.NotEqual(t, UnitID("x.go", "Foo"), UnitID("y.go", "Foo"))
}

func TestHashContentChangesWithContent(t *testing.T) {
	h1 := HashContent([]byte("package main"))
	h2 := HashContent([]byte("package main\n"))
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, h1, HashContent([]byte("package main")))
}

func TestCodeUnitValidate(t *testing.T) {
	valid := CodeUnit{
		ID:       UnitID("a.go", "Foo"),
		Name:     "Foo",
		FilePath: "a.go",
		Lines:    LineRange{Start: 3, End: 10},
		FileHash: HashContent([]byte("x")),
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*CodeUnit)
		want   error
	}{
		{"missing id", func(u *CodeUnit) { u.ID = "" }, ErrMissingUnitID},
		{"missing path", func(u *CodeUnit) { u.FilePath = "" }, ErrMissingFilePath},
		{"missing hash", func(u *CodeUnit) { u.FileHash = "" }, ErrMissingFileHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := valid
			tt.mutate(&u)
			assert.ErrorIs(t, u.Validate(), tt.want)
		})
	}

	t.Run("inverted range", func(t *testing.T) {
		u := valid
		u.Lines = LineRange{Start: 10, End: 3}
		assert.Error(t, u.Validate())
	})
}

func TestBuildStatsCheckTotal(t *testing.T) {
	stats := BuildStats{New: 2, Updated: 1, Unchanged: 4, Deleted: 3}
	assert.Equal(t, 7, stats.Total())
	assert.NoError(t, stats.CheckTotal(7))
	// Deleted units are not part of the incoming set.
	assert.Error(t, stats.CheckTotal(10))
}
