// Package server exposes the execution engine and the workflow file over
// HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dshills/runbok/internal/execution"
	"github.com/dshills/runbok/internal/pool"
	"github.com/dshills/runbok/internal/workflow"
)

// Defaults.
const (
	DefaultMaxBodyBytes    = 10 << 20
	DefaultShutdownTimeout = 5 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// Executor runs field executions.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) execution.Result
}

// ConnectionReporter reports pooled remote sessions.
type ConnectionReporter interface {
	Stats() pool.Stats
}

// Documents loads and saves the workflow file.
type Documents interface {
	Load() (workflow.Document, error)
	Save(doc workflow.Document) error
}

// Server is the HTTP front end.
type Server struct {
	exec        Executor
	connections ConnectionReporter
	docs        Documents
	displayPath string
	contextDir  string
	logger      *slog.Logger

	maxBodyBytes    int64
	shutdownTimeout time.Duration

	handler http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithConnections enables GET /api/connections.
func WithConnections(c ConnectionReporter) Option {
	return func(s *Server) {
		s.connections = c
	}
}

// WithWorkflow enables the file_content routes. displayPath is reported to
// clients in place of the absolute path.
func WithWorkflow(docs Documents, displayPath string) Option {
	return func(s *Server) {
		s.docs = docs
		s.displayPath = displayPath
	}
}

// WithContextDir sets the directory forwarded to the transpiler.
func WithContextDir(dir string) Option {
	return func(s *Server) {
		s.contextDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMaxBodyBytes limits request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		s.maxBodyBytes = n
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// New creates a Server around exec.
func New(exec Executor, opts ...Option) *Server {
	s := &Server{
		exec:            exec,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxBodyBytes:    DefaultMaxBodyBytes,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.withRequestLogging(s.withJSONErrors(s.routes()))
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/execute_code", s.handleExecute)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.connections != nil {
		mux.HandleFunc("GET /api/connections", s.handleConnections)
	}
	if s.docs != nil {
		mux.HandleFunc("GET /api/file_content", s.handleReadFile)
		mux.HandleFunc("POST /api/file_content", s.handleWriteFile)
	}
	return mux
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("server shutdown", "error", err)
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
