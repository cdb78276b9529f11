package index

import (
	"context"
	"errors"

	"github.com/mistakeknot/tldr-swinton/pkg/types"
)

// Kind identifies a concrete backend implementation. The set is closed:
// code outside the factory must never branch on a backend's dynamic type.
type Kind string

const (
	KindSingleVector Kind = "single-vector"
	KindMultiVector  Kind = "multi-vector"
)

// Backend errors
var (
	// ErrUnknownBackend reports an invalid backend name. Distinct from
	// ErrUnavailable so callers can tell misspelling from missing setup.
	ErrUnknownBackend = errors.New("unknown backend type")

	// ErrUnavailable reports that a backend's embedding dependency is
	// not configured. The message carries install/setup instructions.
	ErrUnavailable = errors.New("backend dependency unavailable")

	// ErrBuildInProgress reports that another process holds the build
	// lock. Retryable; not a corruption.
	ErrBuildInProgress = errors.New("index build already in progress")

	// ErrEmbeddingCount reports that the embedder returned a different
	// number of vectors than texts requested. Fatal for the build
	// attempt: aborting beats misassigning vectors to unit IDs.
	ErrEmbeddingCount = errors.New("embedding count mismatch")
)

// Backend is the contract implemented identically by both concrete
// backends. Implementations own their in-memory index structures and
// unit/hash maps exclusively.
//
// All methods are safe for concurrent use. Search may run concurrently
// with Build in another goroutine: implementations snapshot their state
// under a short-lived lock and never hold it across embedding or I/O.
type Backend interface {
	// Build updates the in-memory index from the incoming unit set.
	// texts[i] is the embeddable representation of units[i]. Units are
	// partitioned into new/updated/unchanged by comparing FileHash
	// against the previously loaded hash map; units present before but
	// absent now are deleted. rebuild forces full reconstruction.
	// Build does not persist; call Save.
	Build(ctx context.Context, units []types.CodeUnit, texts []string, rebuild bool) (*types.BuildStats, error)

	// Search returns at most k results ordered by descending relevance.
	// It returns an empty slice, never an error, when no index is
	// loaded or the index is empty.
	Search(ctx context.Context, query string, k int) ([]types.SearchResult, error)

	// Load reads a previously persisted index into memory. It returns
	// false without error when no index exists, the metadata is
	// corrupt, the persisted model or dimension does not match the
	// configured embedder, or a stale build sentinel is found (in
	// which case partial artifacts are cleaned up first).
	Load(ctx context.Context) (bool, error)

	// Save persists the in-memory index and metadata atomically,
	// writing the top-level metadata file strictly before any
	// backend-specific file.
	Save(ctx context.Context) error

	// Info is a pure read of current state, safe at any time; it
	// returns zeroed info when nothing is loaded.
	Info() types.BackendInfo

	// Close releases backend resources.
	Close() error
}

// NameLookup is the optional exact-name capability. Backends that keep a
// name map can answer identifier lookups without embedding; callers check
// for it with a type assertion against this interface, never reflection.
type NameLookup interface {
	LookupName(name string, k int) []types.SearchResult
}
