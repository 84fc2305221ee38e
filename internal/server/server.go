package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/justinmoon/playground/internal/catalog"
	"github.com/justinmoon/playground/internal/config"
	"github.com/justinmoon/playground/internal/db"
	"github.com/justinmoon/playground/internal/events"
	"github.com/justinmoon/playground/internal/metrics"
	"github.com/justinmoon/playground/internal/playground"
	"github.com/justinmoon/playground/internal/runtime"
	"github.com/justinmoon/playground/internal/terminal"
)

// timeoutMiddleware applies timeout to all routes except streaming endpoints
func timeoutMiddleware(timeout time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip timeout for WebSocket and blocking wait routes
			if strings.HasPrefix(r.URL.Path, "/ws/") || r.URL.Query().Get("wait") != "" {
				next.ServeHTTP(w, r)
				return
			}
			middleware.Timeout(timeout)(next).ServeHTTP(w, r)
		})
	}
}

// requestLogger logs each request through zerolog and records HTTP metrics
// under the matched route pattern.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", elapsed).
				Msg("HTTP request")
		}()

		next.ServeHTTP(ww, r)
	})
}

type Server struct {
	cfg      *config.Config
	db       *db.DB
	router   *chi.Mux
	server   *http.Server
	eventBus *events.Bus
	catalog  *catalog.Catalog
	bridge   *terminal.Bridge
	manager  *playground.Manager
	upgrader websocket.Upgrader
}

// New wires the terminal bridge and lifecycle manager to rt. database may be
// nil, which disables session and operation history.
func New(cfg *config.Config, rt runtime.Runtime, cat *catalog.Catalog, database *db.DB) (*Server, error) {
	eventBus, err := events.NewBus(cfg.Server.NatsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		db:       database,
		router:   chi.NewRouter(),
		eventBus: eventBus,
		catalog:  cat,
		bridge:   terminal.NewBridge(rt, cat, cfg.TerminalOptions()),
		manager: playground.NewManager(rt, cat, playground.Options{
			ContainerPrefix: cfg.Docker.ContainerPrefix,
			StopTimeout:     cfg.Docker.StopTimeout,
			Parallelism:     cfg.Docker.Parallelism,
		}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.bridge.Observe(eventBus)
	s.manager.Listen(eventBus)
	if database != nil {
		s.bridge.Observe(&db.SessionRecorder{DB: database})
		s.manager.Listen(&db.OperationRecorder{DB: database})
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	// Custom timeout middleware that excludes streaming routes
	s.router.Use(timeoutMiddleware(60 * time.Second))

	// Health check
	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// JSON API (for the CLI and the web UI)
	s.router.Route("/api", func(r chi.Router) {
		// Terminal sessions
		r.Get("/sessions", s.apiSessionStatus)
		r.Get("/sessions/history", s.apiSessionHistory)
		r.Delete("/sessions/{id}", s.apiSessionStop)

		// Playground containers
		r.Get("/containers", s.apiContainerList)
		r.Post("/containers/stop-all", s.apiContainerStopAll)
		r.Post("/containers/restart-all", s.apiContainerRestartAll)
		r.Get("/containers/{name}", s.apiContainerGet)
		r.Post("/containers/{name}/start", s.apiContainerStart)
		r.Post("/containers/{name}/stop", s.apiContainerStop)
		r.Post("/containers/{name}/restart", s.apiContainerRestart)
		r.Get("/containers/{name}/logs", s.apiContainerLogs)

		// Background operations
		r.Get("/operations", s.apiOperationList)
		r.Get("/operations/history", s.apiOperationHistory)
		r.Get("/operations/{id}", s.apiOperationGet)
	})

	// WebSocket for terminal
	s.router.Get("/ws/terminal/{name}", s.handleTerminalWS)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Bridge() *terminal.Bridge {
	return s.bridge
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", "http://"+addr).Msg("Server starting")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown ends terminal sessions and background operations, then stops
// the HTTP server. Sessions are drained first so their final events and
// history rows are written before the bus and database go away.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.bridge != nil {
		if err := s.bridge.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Terminal sessions did not finish in time")
		}
	}
	if s.manager != nil {
		s.manager.Close()
	}
	if s.eventBus != nil {
		s.eventBus.Close()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
