package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mistakeknot/tldr-swinton/internal/index"
	"github.com/mistakeknot/tldr-swinton/internal/indexer"
	"github.com/mistakeknot/tldr-swinton/internal/searcher"
)

// MCP error codes
const (
	ErrorCodeInvalidParams      = -32602 // Invalid method parameters
	ErrorCodeInternalError      = -32603 // Internal JSON-RPC error
	ErrorCodeIndexingInProgress = -32002 // Another build already holds the lock
	ErrorCodeNotIndexed         = -32003 // Project not indexed
	ErrorCodeBackendUnavailable = -32005 // Requested backend has no provider
)

// handleBuildIndex handles the build_index tool invocation
func (s *Server) handleBuildIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	path, err := requirePath(args)
	if err != nil {
		return nil, err
	}

	rebuild := getBoolDefault(args, "rebuild", false)
	includeTests := getBoolDefault(args, "include_tests", false)

	sess, err := s.getSession(ctx, path)
	if err != nil {
		return nil, backendError(err)
	}

	cfg := indexer.Config{
		IncludeTests: includeTests,
		Rebuild:      rebuild,
	}
	res, err := s.indexer.BuildIndex(ctx, path, sess.backend, sess.lex, cfg)
	if err != nil {
		if errors.Is(err, index.ErrBuildInProgress) {
			return nil, newMCPError(ErrorCodeIndexingInProgress, "another build is in progress, retry later", map[string]interface{}{
				"path": path,
			})
		}
		return nil, newMCPError(ErrorCodeInternalError, "indexing failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	s.invalidate(path)

	info := sess.backend.Info()
	response := map[string]interface{}{
		"path":        path,
		"backend":     info.Backend,
		"embed_model": res.Stats.EmbedModel,
		"files":       res.Files,
		"units":       res.Units,
		"duration_ms": res.Duration.Milliseconds(),
		"stats": map[string]interface{}{
			"new":       res.Stats.New,
			"updated":   res.Stats.Updated,
			"unchanged": res.Stats.Unchanged,
			"deleted":   res.Stats.Deleted,
			"rebuilt":   res.Stats.Rebuilt,
		},
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleSearchIndex handles the search_index tool invocation
func (s *Server) handleSearchIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	path, err := requirePath(args)
	if err != nil {
		return nil, err
	}
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "query parameter is required", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}
	limit := getIntDefault(args, "limit", 10)
	if limit < 1 || limit > 100 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit out of range", map[string]interface{}{
			"param": "limit",
			"range": "1-100",
		})
	}

	sess, err := s.getSession(ctx, path)
	if err != nil {
		return nil, backendError(err)
	}
	if !sess.loaded {
		return nil, newMCPError(ErrorCodeNotIndexed, "project not indexed, run build_index first", map[string]interface{}{
			"path": path,
		})
	}

	resp, err := sess.search.Search(ctx, searcher.Request{
		Query:    query,
		Limit:    limit,
		UseCache: getBoolDefault(args, "use_cache", true),
	})
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "search failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	results := make([]map[string]interface{}, len(resp.Results))
	for i, r := range resp.Results {
		results[i] = map[string]interface{}{
			"rank":       r.Rank,
			"score":      r.Score,
			"name":       r.Name,
			"file":       r.FilePath,
			"start_line": r.Lines.Start,
			"end_line":   r.Lines.End,
		}
	}
	response := map[string]interface{}{
		"query":       query,
		"route":       string(resp.Route),
		"cache_hit":   resp.CacheHit,
		"duration_ms": resp.Duration.Milliseconds(),
		"results":     results,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleIndexStatus handles the index_status tool invocation
func (s *Server) handleIndexStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	path, err := requirePath(args)
	if err != nil {
		return nil, err
	}

	// Status reads the persisted metadata directly; it must answer even
	// when no embedding provider is configured.
	meta, ok, err := index.ReadTopMeta(index.Dir(path))
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to read index metadata", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if !ok {
		response := map[string]interface{}{
			"indexed": false,
			"path":    path,
			"message": "Project not indexed. Use build_index tool to index this project.",
		}
		return mcp.NewToolResultText(formatJSON(response)), nil
	}

	response := map[string]interface{}{
		"indexed":     true,
		"path":        path,
		"backend":     string(meta.Backend),
		"embed_model": meta.EmbedModel,
		"dimension":   meta.Dimension,
		"count":       meta.Count,
	}

	// A live session carries backend counters the metadata does not.
	s.mu.Lock()
	sess := s.sessions[path]
	s.mu.Unlock()
	if sess != nil && sess.loaded {
		info := sess.backend.Info()
		if len(info.Extra) > 0 {
			extra := make(map[string]interface{}, len(info.Extra))
			for k, v := range info.Extra {
				extra[k] = v
			}
			response["backend_state"] = extra
		}
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// backendError maps factory and load failures to protocol errors.
func backendError(err error) error {
	switch {
	case errors.Is(err, index.ErrUnknownBackend):
		return newMCPError(ErrorCodeInvalidParams, "unknown backend", map[string]interface{}{
			"error": err.Error(),
		})
	case errors.Is(err, index.ErrUnavailable):
		return newMCPError(ErrorCodeBackendUnavailable, "backend unavailable", map[string]interface{}{
			"error": err.Error(),
		})
	case errors.Is(err, index.ErrBuildInProgress):
		return newMCPError(ErrorCodeIndexingInProgress, "another build is in progress, retry later", nil)
	default:
		return newMCPError(ErrorCodeInternalError, "backend initialization failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func requirePath(args map[string]interface{}) (string, error) {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return "", newMCPError(ErrorCodeInvalidParams, "path parameter is required", map[string]interface{}{
			"param":  "path",
			"reason": "missing or empty",
		})
	}
	if err := validatePath(path); err != nil {
		return "", newMCPError(ErrorCodeInvalidParams, "invalid path", map[string]interface{}{
			"param":  "path",
			"reason": err.Error(),
		})
	}
	return path, nil
}

// Validation helpers

var (
	ErrPathRequired    = errors.New("path is required")
	ErrPathNotAbsolute = errors.New("path must be absolute")
	ErrPathNotFound    = errors.New("path does not exist")
	ErrNotDirectory    = errors.New("path is not a directory")
)

// validatePath checks if a path exists and is a directory
func validatePath(path string) error {
	if path == "" {
		return ErrPathRequired
	}
	if !filepath.IsAbs(path) {
		return ErrPathNotAbsolute
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return ErrPathNotFound
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return ErrNotDirectory
	}
	return nil
}

// formatJSON renders a response map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}
