// Package mcp provides an MCP (Model Context Protocol) server for anderson.
// It lets an agent run simulations and read back stored series.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/anderson/internal/logging"
	"github.com/nvandessel/anderson/internal/pathutil"
	"github.com/nvandessel/anderson/internal/ratelimit"
	"github.com/nvandessel/anderson/internal/store"
)

// Server wraps the MCP SDK server with the anderson tools.
type Server struct {
	server       *sdk.Server
	store        *store.SQLiteRunStore
	root         string
	outputDirs   []string
	toolLimiters *ratelimit.ToolLimiters
	auditLogger  *AuditLogger
	logger       *slog.Logger
	events       *logging.EventLogger
	closeOnce    sync.Once
	closeErr     error
}

// Config holds server configuration.
type Config struct {
	Name    string // Server name (e.g., "anderson")
	Version string // Server version
	Root    string // Directory holding .anderson/ (run store and audit log)

	// OutputDirs bounds where anderson_run may write series files.
	// Empty means pathutil.DefaultAllowedOutputDirs(Root).
	OutputDirs []string

	Logger *slog.Logger
	Events *logging.EventLogger
}

// NewServer opens the run store and registers the anderson tools.
func NewServer(cfg *Config) (*Server, error) {
	runStore, err := store.NewSQLiteRunStore(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}

	outputDirs := cfg.OutputDirs
	if len(outputDirs) == 0 {
		outputDirs, err = pathutil.DefaultAllowedOutputDirs(cfg.Root)
		if err != nil {
			runStore.Close()
			return nil, err
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	mcpServer := sdk.NewServer(&sdk.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, &sdk.ServerOptions{
		InitializedHandler: func(ctx context.Context, req *sdk.InitializedRequest) {
			logger.Debug("mcp client initialized")
		},
	})

	s := &Server{
		server:       mcpServer,
		store:        runStore,
		root:         cfg.Root,
		outputDirs:   outputDirs,
		toolLimiters: ratelimit.NewToolLimiters(),
		auditLogger:  NewAuditLogger(cfg.Root),
		logger:       logger,
		events:       cfg.Events,
	}

	s.registerTools()
	s.registerResources()

	return s, nil
}

// Run serves over stdio until the client disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.RunTransport(ctx, &sdk.StdioTransport{})
}

// RunTransport serves over t. Resources are released when it returns.
func (s *Server) RunTransport(ctx context.Context, t sdk.Transport) error {
	err := s.server.Run(ctx, t)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close releases the store and audit log. Safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.auditLogger.Close()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}
