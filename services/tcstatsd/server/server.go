// Package server exposes the stats engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"tcstats/observability"
	"tcstats/services/tcstatsd/engine"
	"tcstats/services/tcstatsd/provider"
	"tcstats/services/tcstatsd/storage"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine *engine.Engine
	Auth   *Authenticator
	Logger *slog.Logger
	// Health reports whether the backing store is reachable.
	Health func(ctx context.Context) error
	Now    func() time.Time
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	engine *engine.Engine
	auth   *Authenticator
	logger *slog.Logger
	health func(ctx context.Context) error
	now    func() time.Time

	router http.Handler
}

// New constructs the router.
func New(cfg Config) *Server {
	srv := &Server{
		engine: cfg.Engine,
		auth:   cfg.Auth,
		logger: cfg.Logger,
		health: cfg.Health,
		now:    cfg.Now,
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	if srv.auth == nil {
		srv.auth = NewAuthenticator(AuthConfig{}, srv.logger)
	}
	if srv.now == nil {
		srv.now = time.Now
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router wrapped with tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "tcstatsd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.auth.Identify)

		api.Get("/leaderboards/teams", s.handleTeamLeaderboard)
		api.Get("/leaderboards/categories", s.handleCategoryLeaderboard)
		api.Get("/summary", s.handleSummary)
		api.Get("/users/{id}/stats", s.handleUserStats)
		api.Get("/history/users/{id}/{granularity}", s.handleUserHistory)
		api.Get("/history/teams/{id}/{granularity}", s.handleTeamHistory)
		api.Get("/results/{year}/{month}", s.handleMonthlyResult)

		api.Group(func(admin chi.Router) {
			admin.Use(s.auth.RequireAdmin)
			admin.Post("/admin/cycle", s.handleRunCycle)
			admin.Post("/admin/reset", s.handleReset)
			admin.Post("/admin/archive", s.handleArchive)
			admin.Post("/hardware", s.handleCreateHardware)
			admin.Put("/hardware/{id}/multiplier", s.handleSetMultiplier)
			admin.Post("/teams", s.handleCreateTeam)
			admin.Post("/users", s.handleRegisterUser)
			admin.Put("/users/{id}/team", s.handleMoveUser)
			admin.Delete("/users/{id}", s.handleDeleteUser)
			admin.Post("/users/{id}/offsets", s.handleApplyOffset)
		})
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTP().Observe(route, status, time.Since(started))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Error("health check failed", slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fail maps engine errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrInvalidArgument), errors.Is(err, provider.ErrMissingCredential):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrCycleInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, gorm.ErrDuplicatedKey):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, provider.ErrUserNotFound), errors.Is(err, provider.ErrConnectionFailure):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
