package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/releaseflow/internal/dedupe"
	"github.com/seantiz/releaseflow/internal/engine"
	"github.com/seantiz/releaseflow/internal/monitor"
	"github.com/seantiz/releaseflow/internal/notify"
	"github.com/seantiz/releaseflow/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router  *chi.Mux
	store   store.Store
	engine  *engine.Engine
	guard   *dedupe.Guard
	monitor *monitor.Monitor
	broker  *notify.Broker
	logger  *slog.Logger
	addr    string
}

// Deps are the components the HTTP API serves. Monitor may be nil when the
// consistency monitor is disabled.
type Deps struct {
	Store   store.Store
	Engine  *engine.Engine
	Guard   *dedupe.Guard
	Monitor *monitor.Monitor
	Broker  *notify.Broker
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		store:   deps.Store,
		engine:  deps.Engine,
		guard:   deps.Guard,
		monitor: deps.Monitor,
		broker:  deps.Broker,
		logger:  logger,
		addr:    addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "X-Request-Id",
			headerOperatorID, headerOperatorName, headerOperatorRole,
		},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/events", s.handleStreamEvents)

	s.router.Route("/v1/releases", func(r chi.Router) {
		r.Get("/", s.handleListReleases)
		r.Post("/check-duplicate", s.handleCheckDuplicate)
		r.Get("/{id}", s.handleGetRelease)
		r.Get("/{id}/loading-stats", s.handleLoadingStats)
		r.Get("/{id}/audit", s.handleAuditTrail)
		r.Get("/{id}/actions", s.handleAvailableActions)

		r.Group(func(r chi.Router) {
			r.Use(s.requireOperator)
			r.Post("/", s.handleCreateRelease)
			r.Post("/batch", s.handleBatch)
			r.Post("/{id}/stage", s.handleStage)
			r.Post("/{id}/approve", s.handleApprove)
			r.Post("/{id}/reject", s.handleReject)
			r.Post("/{id}/load", s.handleLoad)
			r.Post("/{id}/ship", s.handleShip)
			r.Post("/{id}/cancel", s.handleCancel)
			r.Post("/{id}/lock", s.handleAcquireLock)
			r.Delete("/{id}/lock", s.handleReleaseLock)
		})
	})

	s.router.Route("/v1/monitor", func(r chi.Router) {
		r.Get("/", s.handleMonitorStatus)
		r.Post("/run", s.handleMonitorRun)
		r.Post("/restart", s.handleMonitorRestart)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.broker != nil {
		s.broker.Close()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"operator_id", r.Header.Get(headerOperatorID),
		)
	})
}
