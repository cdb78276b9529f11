package types

import "fmt"

// BuildStats summarizes the outcome of one backend build call.
type BuildStats struct {
	New       int
	Updated   int
	Unchanged int
	Deleted   int // tracked separately, not part of the incoming set

	// Rebuilt reports whether the build performed a full reconstruction,
	// either because the caller asked for one or because the backend
	// forced one (deletion-ratio or incremental-update thresholds).
	Rebuilt bool

	EmbedModel string
	Backend    string
}

// Total returns the number of units that were part of the incoming set.
func (s *BuildStats) Total() int {
	return s.New + s.Updated + s.Unchanged
}

// CheckTotal verifies that the partition covers the incoming unit count.
func (s *BuildStats) CheckTotal(incoming int) error {
	if got := s.Total(); got != incoming {
		return fmt.Errorf("build stats do not cover incoming set: new=%d updated=%d unchanged=%d, want total %d",
			s.New, s.Updated, s.Unchanged, incoming)
	}
	return nil
}

// BackendInfo is a read-only projection of an index's persisted state.
// The metadata files are the source of truth; BackendInfo itself is
// never persisted.
type BackendInfo struct {
	Backend    string
	EmbedModel string

	// Dimension is the per-vector dimensionality. Zero means variable
	// (multi-vector backends) or no index loaded.
	Dimension int

	Count     int
	IndexPath string

	// Extra carries backend-specific details such as incremental-update
	// counters.
	Extra map[string]string
}
