package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/mattjoyce/scriptd/internal/events"
	"github.com/mattjoyce/scriptd/internal/gateway"
	"github.com/mattjoyce/scriptd/internal/scheduler"
)

// GatewayStatus reports connected contexts and host state.
type GatewayStatus interface {
	Stats() gateway.Stats
	Routes() http.Handler
}

// SchedulerStatus reports the auto-update state.
type SchedulerStatus interface {
	State() scheduler.State
}

// DispatcherStatus reports whether the startup gate is open.
type DispatcherStatus interface {
	IsOpen() bool
}

// Counter reports a live count, such as badge entries or requests in flight.
type Counter func() int

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey protects /events and /commands. Empty leaves them open.
	APIKey string
	// AllowedOrigins are origin prefixes allowed cross-origin requests.
	AllowedOrigins []string
	Version        string
}

// Deps are the components the API reports on.
type Deps struct {
	Gateway      GatewayStatus
	Scheduler    SchedulerStatus
	Dispatcher   DispatcherStatus
	BadgeEntries Counter
	InFlight     Counter
	Commands     func() []string
	Metrics      http.Handler
	Events       *events.Hub
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: corsOrigins(s.config.AllowedOrigins),
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"Authorization", "Last-Event-ID"},
	})
	return c.Handler(s.setupRoutes())
}

// corsOrigins turns origin prefixes such as "chrome-extension://" into
// wildcard patterns.
func corsOrigins(prefixes []string) []string {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if !strings.Contains(p, "*") && strings.HasSuffix(p, "://") {
			p += "*"
		}
		out = append(out, p)
	}
	return out
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	if s.deps.Gateway != nil {
		r.Mount("/ws", s.deps.Gateway.Routes())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireKey)
		r.Get("/events", s.handleEvents)
		r.Get("/commands", s.handleListCommands)
	})

	return r
}

// loggingMiddleware logs HTTP requests. Websocket sessions are logged by
// the gateway when they close.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
