// Package mcp exposes indexing and search over the Model Context Protocol.
// The server is a long-lived daemon: it keeps one loaded session per
// project and invalidates that session's query cache when a build lands.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mistakeknot/tldr-swinton/internal/embedder"
	"github.com/mistakeknot/tldr-swinton/internal/index"
	"github.com/mistakeknot/tldr-swinton/internal/indexer"
	"github.com/mistakeknot/tldr-swinton/internal/lexical"
	"github.com/mistakeknot/tldr-swinton/internal/multivec"
	"github.com/mistakeknot/tldr-swinton/internal/searcher"
)

const (
	// ServerName is the MCP server name
	ServerName = "tldr-swinton"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// session holds the loaded state for one project.
type session struct {
	backend index.Backend
	lex     *lexical.Index
	search  *searcher.Searcher
	loaded  bool
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp     *server.MCPServer
	indexer *indexer.Indexer
	logger  *slog.Logger

	// requested backend kind, indexer.BackendAuto unless pinned by flag
	backendName string
	multiOpts   multivec.Options

	mu       sync.Mutex
	sessions map[string]*session
}

// NewServer creates a new MCP server instance. backendName may be an
// explicit kind or indexer.BackendAuto.
func NewServer(backendName string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if backendName == "" {
		backendName = indexer.BackendAuto
	}

	s := &Server{
		mcp:         server.NewMCPServer(ServerName, ServerVersion),
		indexer:     indexer.New(logger),
		logger:      logger,
		backendName: backendName,
		multiOpts:   multivec.DefaultOptions(),
		sessions:    make(map[string]*session),
	}
	s.registerTools()
	return s, nil
}

// Serve starts the MCP server on stdio and blocks until shutdown
func (s *Server) Serve(ctx context.Context) error {
	defer s.closeSessions()
	return server.ServeStdio(s.mcp)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(buildIndexTool(), s.handleBuildIndex)
	s.mcp.AddTool(searchIndexTool(), s.handleSearchIndex)
	s.mcp.AddTool(indexStatusTool(), s.handleIndexStatus)
}

// getSession returns the cached session for a project, constructing and
// loading one on first use. Construction resolves the backend from the
// persisted metadata when the server runs in auto mode.
func (s *Server) getSession(ctx context.Context, path string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[path]; ok {
		return sess, nil
	}

	lex, err := lexical.Open(index.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("open lexical index: %w", err)
	}

	deps := indexer.BackendDeps{
		Lex:       lex,
		MultiOpts: s.multiOpts,
		Logger:    s.logger,
	}
	if emb, err := embedder.NewFromEnv(); err == nil {
		deps.Dense = emb
	}
	if tok, err := embedder.TokenFromEnv(); err == nil {
		deps.Token = tok
	}

	backend, err := indexer.GetBackend(ctx, path, s.backendName, deps)
	if err != nil {
		_ = lex.Close()
		return nil, err
	}

	loaded, err := backend.Load(ctx)
	if err != nil {
		_ = backend.Close()
		_ = lex.Close()
		return nil, err
	}

	sess := &session{
		backend: backend,
		lex:     lex,
		search:  searcher.New(backend, lex),
		loaded:  loaded,
	}
	s.sessions[path] = sess
	return sess, nil
}

// invalidate flushes a project's query cache after a successful build.
func (s *Server) invalidate(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[path]; ok {
		sess.search.Invalidate()
		sess.loaded = true
	}
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, sess := range s.sessions {
		if err := sess.backend.Close(); err != nil {
			s.logger.Warn("closing backend", "path", path, "error", err)
		}
		if err := sess.lex.Close(); err != nil {
			s.logger.Warn("closing lexical index", "path", path, "error", err)
		}
	}
	s.sessions = make(map[string]*session)
}
