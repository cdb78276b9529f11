package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Common errors
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrProviderFailed = errors.New("embedding provider failed")
	ErrEmptyText      = errors.New("text cannot be empty")
	ErrBatchTooLarge  = errors.New("batch size exceeds limit")
	ErrNotConfigured  = errors.New("embedding provider not configured")

	// ErrCountMismatch is returned when a provider yields a different
	// number of embeddings than texts requested. Callers must abort
	// rather than misassign vectors to units.
	ErrCountMismatch = errors.New("embedding count does not match input count")
)

// Embedder produces one dense vector per text. Normalization is the
// caller's responsibility; use Normalize so inner product behaves like
// cosine similarity.
type Embedder interface {
	// EmbedBatch embeds texts in order. The returned slice has exactly
	// one vector per input text or the call fails with ErrCountMismatch.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the vector dimensionality for this provider.
	Dimension() int

	// Model returns the model identifier recorded in index metadata.
	Model() string

	// Close releases any resources held by the embedder.
	Close() error
}

// TokenEmbedder produces one vector per token for late-interaction
// retrieval. Implementations with expensive model initialization must
// defer it to the first call and keep the model resident afterwards.
type TokenEmbedder interface {
	// EmbedTokens returns, for each text, a matrix of per-token vectors.
	EmbedTokens(ctx context.Context, texts []string) ([][][]float32, error)

	// EmbedQueryTokens embeds a query into its multi-vector form.
	EmbedQueryTokens(ctx context.Context, text string) ([][]float32, error)

	// Model returns the model identifier recorded in index metadata.
	Model() string

	// Close releases the resident model.
	Close() error
}

// Cache provides in-memory LRU caching of dense embeddings by content hash.
type Cache struct {
	cache *lru.Cache[string, []float32]
}

// NewCache creates a new embedding cache with LRU eviction.
func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = 10000
	}
	cache, err := lru.New[string, []float32](maxLen)
	if err != nil {
		cache, _ = lru.New[string, []float32](10000)
	}
	return &Cache{cache: cache}
}

// Get retrieves a copy of a cached vector. Returning a copy prevents
// caller mutations from polluting the cache.
func (c *Cache) Get(hash string) ([]float32, bool) {
	v, ok := c.cache.Get(hash)
	if !ok {
		return nil, false
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out, true
}

// Set stores a vector with automatic LRU eviction.
func (c *Cache) Set(hash string, v []float32) {
	c.cache.Add(hash, v)
}

// Size returns the current cache size.
func (c *Cache) Size() int {
	return c.cache.Len()
}

// ComputeHash computes the SHA-256 content hash used as the cache key.
func ComputeHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// Normalize scales a vector to unit length so that inner product equals
// cosine similarity. A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, val := range v {
		out[i] = val / norm
	}
	return out
}

// ValidateBatch validates batch input before calling a provider.
func ValidateBatch(texts []string) error {
	if len(texts) == 0 {
		return fmt.Errorf("%w: no texts provided", ErrInvalidInput)
	}
	for i, text := range texts {
		if text == "" {
			return fmt.Errorf("%w: text at index %d is empty", ErrInvalidInput, i)
		}
	}
	return nil
}
