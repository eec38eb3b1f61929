// Package server exposes investigations over HTTP and WebSocket.
//
// Routes:
//
//	POST /api/v1/sessions/{id}/investigate   start a run (202)
//	GET  /api/v1/sessions/{id}/status        run status
//	GET  /api/v1/sessions/{id}/ledger        findings ledger
//	GET  /api/v1/sessions/{id}/progress      progress log
//	GET  /api/v1/sessions/{id}/memory        working memory document
//	GET  /api/v1/sessions/{id}/report        final report
//	GET  /ws/sessions/{id}                   live engine events
//	GET  /health, /metrics
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MLMario/metric-explorer/internal/db"
	"github.com/MLMario/metric-explorer/internal/memory/ledger"
	"github.com/MLMario/metric-explorer/internal/middleware"
	"github.com/MLMario/metric-explorer/internal/reasoning/engine"
	"github.com/MLMario/metric-explorer/internal/workspace"
)

// Deps are the collaborators of the server. Engine and Sessions are
// required.
type Deps struct {
	Engine   engine.Engine
	Sessions *workspace.Resolver
	Ledger   ledger.Store
	// Store is the SQLite run index. Optional; without it status and memory
	// lookups only see this process and the session directory.
	Store db.Store
	// Unavailable, when set, is why runs cannot start (missing LLM
	// credentials). Investigate answers 503 with it.
	Unavailable error
	Logger      *zap.Logger
}

// Server runs investigations on behalf of HTTP clients.
type Server struct {
	config   Config
	engine   engine.Engine
	sessions *workspace.Resolver
	ledger   ledger.Store
	store    db.Store
	degraded error
	logger   *zap.Logger
	validate *validator.Validate
	runs     *registry
	router   *mux.Router
	now      func() time.Time

	httpServer *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// NewServer creates a server. It does not listen until Start.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("server: session resolver is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ledgerStore := deps.Ledger
	if ledgerStore == nil {
		ledgerStore = ledger.NewStore(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		engine:   deps.Engine,
		sessions: deps.Sessions,
		ledger:   ledgerStore,
		store:    deps.Store,
		degraded: deps.Unavailable,
		logger:   logger.Named("server"),
		validate: validator.New(),
		runs:     newRegistry(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the router. Tests serve it through httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoveryMiddleware)
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	if s.config.RequestsPerMinute > 0 {
		api.Use(middleware.NewRateLimiter(s.ctx, s.config.RequestsPerMinute).Middleware)
	}
	api.HandleFunc("/sessions/{id}/investigate", s.handleInvestigate).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/ledger", s.handleLedger).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/progress", s.handleProgress).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/memory", s.handleMemory).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/report", s.handleReport).Methods(http.MethodGet)

	r.HandleFunc("/ws/sessions/{id}", s.handleStream).Methods(http.MethodGet)
	return r
}

// Start listens in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:         s.config.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Starting HTTP server", zap.String("addr", s.config.Addr()))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
			s.cancel()
		}
	}()
	return nil
}

// Stop shuts the listener down, cancels active runs and waits for them.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping server", zap.Int("active_runs", s.runs.active()))

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Error shutting down HTTP server", zap.Error(err))
		}
	}

	s.runs.cancelAll()
	s.cancel()
	s.wg.Wait()

	s.logger.Info("Server stopped")
	return nil
}

// Wait blocks until the server context ends.
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning reports whether Start has been called without Stop.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{"engine": "ok"}
	if s.degraded != nil {
		status = "degraded"
		checks["engine"] = s.degraded.Error()
	}
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["database"] = err.Error()
		} else {
			checks["database"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"checks":      checks,
		"active_runs": s.runs.active(),
		"timestamp":   s.now().UTC().Format(time.RFC3339),
	})
}
