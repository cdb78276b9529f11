package embedder

import (
	"fmt"
	"os"
	"strings"
)

// Environment variables consulted by the factories
const (
	EnvProvider  = "SWINTON_EMBED_PROVIDER" // ollama, local
	EnvOllamaURL = "SWINTON_OLLAMA_URL"
	EnvModel     = "SWINTON_EMBED_MODEL"
	EnvLateURL   = "SWINTON_LATE_URL" // multi-vector embedding service
	EnvLateModel = "SWINTON_LATE_MODEL"
)

// Config holds dense embedder configuration.
type Config struct {
	Provider  string
	BaseURL   string
	Model     string
	CacheSize int
}

// NewFromEnv creates a dense embedder based on environment variables.
// Priority:
//  1. SWINTON_EMBED_PROVIDER (ollama, local)
//  2. SWINTON_OLLAMA_URL set -> ollama
//  3. Default to local (offline deterministic hashing)
func NewFromEnv() (Embedder, error) {
	cfg := Config{
		Provider: os.Getenv(EnvProvider),
		BaseURL:  os.Getenv(EnvOllamaURL),
		Model:    os.Getenv(EnvModel),
	}
	if cfg.Provider == "" {
		if cfg.BaseURL != "" {
			cfg.Provider = ProviderOllama
		} else {
			cfg.Provider = ProviderLocal
		}
	}
	return New(cfg)
}

// New creates a dense embedder with explicit configuration.
func New(cfg Config) (Embedder, error) {
	cache := NewCache(cfg.CacheSize)

	switch strings.ToLower(cfg.Provider) {
	case ProviderOllama:
		return NewOllamaProvider(cfg.BaseURL, cfg.Model, cache), nil
	case ProviderLocal:
		return NewLocalProvider(cache), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrInvalidInput, cfg.Provider)
	}
}

// TokenFromEnv creates a multi-vector embedder if one is configured.
// Returns ErrNotConfigured when no late-interaction service is set up;
// this is the cheap availability probe used by the backend factory,
// distinct from constructing a backend and catching its failure.
func TokenFromEnv() (TokenEmbedder, error) {
	url := os.Getenv(EnvLateURL)
	model := os.Getenv(EnvLateModel)
	if url == "" {
		if model == "local" {
			return NewLocalTokenProvider(), nil
		}
		return nil, fmt.Errorf("%w: set %s to a multi-vector embedding service", ErrNotConfigured, EnvLateURL)
	}
	return NewLateProvider(url, model), nil
}
