// Package server is the HTTP / SSE / WebSocket front door: run CRUD, the
// event stream, session blobs, settings, and terminal attach. It binds a
// single port and enforces the payload and connection caps.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/tako0614/coding-agent-sub001/internal/bus"
	"github.com/tako0614/coding-agent-sub001/internal/config"
	"github.com/tako0614/coding-agent-sub001/internal/runstore"
	"github.com/tako0614/coding-agent-sub001/internal/store"
	"github.com/tako0614/coding-agent-sub001/internal/supervisor"
	"github.com/tako0614/coding-agent-sub001/internal/term"
)

// Version is reported by /health.
const Version = "0.4.0"

// Server wires the HTTP surface to the engine.
type Server struct {
	cfg    config.Config
	db     *store.Store
	runs   *runstore.Store
	bus    *bus.Bus
	sup    *supervisor.Service
	term   *term.Service
	logger *slog.Logger

	httpSrv *http.Server
	wsConns *connTable
}

// New creates a Server. The caller owns the lifecycle of the injected
// components; Shutdown tears them down in dependency order.
func New(cfg config.Config, db *store.Store, runs *runstore.Store, b *bus.Bus, sup *supervisor.Service, ts *term.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Normalized()
	s := &Server{
		cfg:     cfg,
		db:      db,
		runs:    runs,
		bus:     b,
		sup:     sup,
		term:    ts,
		logger:  logger,
		wsConns: newConnTable(cfg.MaxWSConnections, cfg.MaxWSPerIP),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)

	mux.HandleFunc("POST /api/runs", s.handleCreateRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.handleDeleteRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)

	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/logs/{runId}", s.handleLogs)

	mux.HandleFunc("GET /api/sessions/orphaned", s.handleOrphanedList)
	mux.HandleFunc("DELETE /api/sessions/orphaned/{runId}", s.handleOrphanedDelete)
	mux.HandleFunc("GET /api/sessions/parallel", s.handleParallelGet)
	mux.HandleFunc("PUT /api/sessions/parallel", s.handleParallelPut)
	mux.HandleFunc("GET /api/sessions/shell-tabs", s.handleShellTabsGet)
	mux.HandleFunc("PUT /api/sessions/shell-tabs", s.handleShellTabsPut)

	mux.HandleFunc("GET /api/settings", s.handleSettingsGet)
	mux.HandleFunc("PUT /api/settings", s.handleSettingsPut)
	mux.HandleFunc("DELETE /api/settings", s.handleSettingsDelete)

	mux.HandleFunc("GET /api/terminal", s.handleTerminal)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.guard(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE and WS need unbounded writes
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the middleware-wrapped mux, mostly for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks until the listener closes.
func (s *Server) ListenAndServe() error {
	s.logger.Info("server: listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Serve runs on an existing listener, for callers that bind the port first.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server: listening", "addr", ln.Addr().String())
	err := s.httpSrv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in dependency order: HTTP listener, WS clients (1001),
// supervisor loops with their checkpoint managers, PTY sessions, then the
// database.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server: http shutdown", "error", err)
	}
	s.wsConns.closeAll()
	if err := s.sup.StopAll(shutdownCtx); err != nil {
		s.logger.Error("server: supervisor shutdown", "error", err)
	}
	s.term.CloseAll()
	if err := s.db.Close(); err != nil {
		s.logger.Error("server: db close", "error", err)
	}
	s.logger.Info("server: shutdown complete")
}

// guard applies the body cap and the loopback-family origin policy. Browsers
// set Origin on cross-origin requests, so refusing non-loopback origins on
// mutating methods blocks CSRF while leaving CLI callers alone.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodDelete {
			if origin := r.Header.Get("Origin"); origin != "" && !loopbackOrigin(origin) {
				writeError(w, http.StatusForbidden, "cross-origin request blocked")
				return
			}
		}
		if r.ContentLength > s.cfg.MaxRequestSizeBytes {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxRequestSizeBytes))
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSizeBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func loopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
