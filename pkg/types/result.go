package types

// SearchResult represents a single ranked retrieval hit. Results are
// constructed fresh per search call and never persisted.
type SearchResult struct {
	// Identification
	UnitID string
	Rank   int // Position in result set (1-based)

	// Score is backend-defined and not comparable across backends.
	Score float64

	// Display metadata
	Name     string
	FilePath string
	Lines    LineRange
}

// Validate checks if the search result is well-formed.
func (sr *SearchResult) Validate() error {
	if sr.UnitID == "" {
		return ErrMissingUnitID
	}
	if sr.Rank < 1 {
		return ErrInvalidRank
	}
	if sr.FilePath == "" {
		return ErrMissingFilePath
	}
	return nil
}
