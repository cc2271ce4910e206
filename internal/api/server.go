// Package api exposes the pipeline over HTTP: the public data query
// endpoint consumed by the dashboard, the sync/backfill admin surface, and
// a WebSocket live stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Alaa-nl/phytod/internal/registry"
	"github.com/Alaa-nl/phytod/internal/router"
	"github.com/Alaa-nl/phytod/internal/syncer"
)

// Server is the REST API server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
}

// NewServer creates a new API server with all routes registered.
func NewServer(reg *registry.Registry, rt *router.Router, sy *syncer.Syncer, hub *syncer.Hub, logger *slog.Logger) *Server {
	h := &Handlers{
		Registry:  reg,
		Router:    rt,
		Syncer:    sy,
		Hub:       hub,
		Logger:    logger,
		StartTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Public query interface.
	mux.HandleFunc("GET /data/{device_id}", h.GetData)

	// Admin and auxiliary routes.
	mux.HandleFunc("POST /api/v1/sync", h.SyncNow)
	mux.HandleFunc("POST /api/v1/backfill", h.Backfill)
	mux.HandleFunc("GET /api/v1/sync-status", h.SyncStatus)
	mux.HandleFunc("GET /api/v1/export", h.Export)
	mux.HandleFunc("GET /api/v1/live", h.Live)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Apply middleware (outermost runs first).
	var handler http.Handler = mux
	handler = ContentType(handler)
	handler = SecurityHeaders(handler)
	handler = CORS("")(handler) // Empty string disables CORS headers.
	handler = Logger(handler)
	handler = RequestID(handler)
	handler = Recovery(handler)

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{httpServer: srv, handlers: h}
}

// ListenAndServe starts the HTTP server. Blocks until context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer.Addr = addr
	slog.Info("api server starting", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// SetVersion sets the version string for the health endpoint.
func (s *Server) SetVersion(v string) { s.handlers.Version = v }

// SetStorageDriver sets the storage driver name for the health endpoint.
func (s *Server) SetStorageDriver(driver string) {
	s.handlers.StorageDriver = driver
}
