package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	DefaultLateModel = "colbert-ir/colbertv2.0"

	// LocalTokenDimension is the per-token dimensionality of the local
	// token provider.
	LocalTokenDimension = 64

	// MaxQueryTokens caps the query-side token count for late
	// interaction scoring.
	MaxQueryTokens = 32
)

// LateProvider implements TokenEmbedder against an HTTP multi-vector
// embedding service. The remote model takes several seconds to load, so
// the provider issues a one-time warmup request lazily on first use and
// keeps the connection pool resident afterwards.
type LateProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client

	warmOnce sync.Once
	warmErr  error
}

// NewLateProvider creates a multi-vector embedder targeting the given
// service. Construction never dials the service; the model is loaded on
// first use.
func NewLateProvider(baseURL, model string) *LateProvider {
	if model == "" {
		model = DefaultLateModel
	}
	return &LateProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 300 * time.Second,
		},
	}
}

type lateEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
	Query bool     `json:"query,omitempty"`
}

type lateEmbedResponse struct {
	Embeddings [][][]float32 `json:"embeddings"`
}

// warmup triggers model load on the service side. Errors are sticky: a
// failed warmup fails all subsequent calls until a new provider is built.
func (p *LateProvider) warmup(ctx context.Context) error {
	p.warmOnce.Do(func() {
		_, p.warmErr = p.callAPI(ctx, []string{"warmup"}, false)
	})
	return p.warmErr
}

func (p *LateProvider) EmbedTokens(ctx context.Context, texts []string) ([][][]float32, error) {
	if err := ValidateBatch(texts); err != nil {
		return nil, err
	}
	if err := p.warmup(ctx); err != nil {
		return nil, fmt.Errorf("%w: model warmup: %v", ErrProviderFailed, err)
	}

	mats, err := withRetries(ctx, providerBackoff(), func() ([][][]float32, error) {
		return p.callAPI(ctx, texts, false)
	})
	if err != nil {
		return nil, fmt.Errorf("%w after %d retries: %v", ErrProviderFailed, MaxRetries, err)
	}
	if len(mats) != len(texts) {
		return nil, fmt.Errorf("%w: requested %d, got %d", ErrCountMismatch, len(texts), len(mats))
	}
	return mats, nil
}

func (p *LateProvider) EmbedQueryTokens(ctx context.Context, text string) ([][]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	if err := p.warmup(ctx); err != nil {
		return nil, fmt.Errorf("%w: model warmup: %v", ErrProviderFailed, err)
	}
	mats, err := p.callAPI(ctx, []string{text}, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}
	if len(mats) != 1 {
		return nil, fmt.Errorf("%w: requested 1, got %d", ErrCountMismatch, len(mats))
	}
	return mats[0], nil
}

func (p *LateProvider) callAPI(ctx context.Context, texts []string, query bool) ([][][]float32, error) {
	body, err := json.Marshal(lateEmbedRequest{Model: p.model, Input: texts, Query: query})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed_multi", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp lateEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return apiResp.Embeddings, nil
}

func (p *LateProvider) Model() string {
	return p.model
}

func (p *LateProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// LocalTokenProvider is a deterministic offline TokenEmbedder: one hashed
// vector per word token. Useful for tests and air-gapped setups.
type LocalTokenProvider struct {
	model string
}

// NewLocalTokenProvider creates a new local token embedder.
func NewLocalTokenProvider() *LocalTokenProvider {
	return &LocalTokenProvider{model: "local-token-v1"}
}

func (l *LocalTokenProvider) EmbedTokens(_ context.Context, texts []string) ([][][]float32, error) {
	if err := ValidateBatch(texts); err != nil {
		return nil, err
	}
	out := make([][][]float32, len(texts))
	for i, text := range texts {
		out[i] = tokenMatrix(text, 0)
	}
	return out, nil
}

func (l *LocalTokenProvider) EmbedQueryTokens(_ context.Context, text string) ([][]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	return tokenMatrix(text, MaxQueryTokens), nil
}

func (l *LocalTokenProvider) Model() string {
	return l.model
}

func (l *LocalTokenProvider) Close() error {
	return nil
}

// tokenMatrix builds one normalized hashed vector per token. maxTokens of
// zero means unlimited.
func tokenMatrix(text string, maxTokens int) [][]float32 {
	toks := tokenize(text)
	if maxTokens > 0 && len(toks) > maxTokens {
		toks = toks[:maxTokens]
	}
	mat := make([][]float32, 0, len(toks))
	for _, tok := range toks {
		mat = append(mat, Normalize(hashTokens(tok, LocalTokenDimension)))
	}
	return mat
}
