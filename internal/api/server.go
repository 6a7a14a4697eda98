package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"appforge/internal/auth"
	"appforge/internal/config"
	"appforge/internal/models"
	"appforge/internal/ratelimit"
	"appforge/internal/registry"
	"appforge/internal/telemetry"
)

// ProjectStore is the part of the durable store the HTTP layer uses directly.
type ProjectStore interface {
	Credits(ctx context.Context, userID string) (int, error)
	DebitCredit(ctx context.Context, userID string) error
	CreateProject(ctx context.Context, p models.Project) (models.Project, error)
	GetProject(ctx context.Context, id string) (models.Project, error)
	RecordDownload(ctx context.Context, projectID string, at time.Time) error
	Notifications(ctx context.Context, userID string, limit int) ([]models.Notification, error)
}

// Builder starts and cancels background builds.
type Builder interface {
	Start(job models.BuildJob)
	Cancel(ctx context.Context, buildID string) bool
}

type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

type Notifier interface {
	Notify(ctx context.Context, userID, kind, title, body string)
}

// EventStream upgrades requests to live event websockets.
type EventStream interface {
	HandleConnect(w http.ResponseWriter, r *http.Request, userID string)
	Subscribe(w http.ResponseWriter, r *http.Request, buildID string)
	Clients() int
}

// Deps are the collaborators of the API server. Limiter, Notifier and Events may be nil.
type Deps struct {
	Registry *registry.Registry
	Store    ProjectStore
	Builds   Builder
	Auth     *auth.Authenticator
	Limiter  Limiter
	Notifier Notifier
	Events   EventStream
}

// Server wires HTTP handlers for the build API and live preview.
type Server struct {
	cfg      config.Config
	reg      *registry.Registry
	store    ProjectStore
	builds   Builder
	auth     *auth.Authenticator
	limiter  Limiter
	notifier Notifier
	events   EventStream
	now      func() time.Time
}

// New constructs the API server.
func New(cfg config.Config, d Deps) *Server {
	a := d.Auth
	if a == nil {
		a = auth.New(cfg.JWTSecret)
	}
	return &Server{
		cfg:      cfg,
		reg:      d.Registry,
		store:    d.Store,
		builds:   d.Builds,
		auth:     a,
		limiter:  d.Limiter,
		notifier: d.Notifier,
		events:   d.Events,
		now:      time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/stats", s.handleStats)

	// Preview links are shared with browsers on other origins.
	r.Route("/preview/{id}", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
		r.Get("/", s.handlePreview)
		r.Get("/files", s.handlePreviewFiles)
		r.Get("/file/*", s.handlePreviewFile)
		r.Get("/bundle", s.handlePreviewBundle)
		r.Get("/download/*", s.handlePreviewDownload)
		r.Get("/search", s.handlePreviewSearch)
		r.Get("/stats", s.handlePreviewStats)
	})

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization", auth.HeaderUserID},
			AllowCredentials: true,
		}))
		r.Use(s.auth.Middleware)

		r.Post("/build", s.handleCreateBuild)
		r.Get("/build/{id}", s.handleGetBuild)
		r.Get("/build/{id}/logs", s.handleBuildLogs)
		r.Get("/build/{id}/events", s.handleBuildEvents)
		r.Delete("/build/{id}", s.handleCancelBuild)
		r.Get("/builds", s.handleListBuilds)
		r.Get("/download/{id}", s.handleDownload)
		r.Get("/me", s.handleMe)
		r.Get("/notifications", s.handleNotifications)
		r.Get("/ws", s.handleEvents)
	})
	return r
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	counts := s.reg.CountByStatus()
	resp := map[string]any{
		"total":     s.reg.Len(),
		"building":  counts[models.StatusBuilding],
		"completed": counts[models.StatusCompleted],
		"failed":    counts[models.StatusFailed],
		"cancelled": counts[models.StatusCancelled],
		"active":    counts[models.StatusBuilding],
	}
	if s.events != nil {
		resp["live_clients"] = s.events.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID := mustUser(r)
	credits, err := s.store.Credits(r.Context(), userID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to load credits")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "credits": credits})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil || limit < 1 {
		writeErr(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > 100 {
		limit = 100
	}
	items, err := s.store.Notifications(r.Context(), mustUser(r), limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to load notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeErr(w, http.StatusServiceUnavailable, "live events are disabled")
		return
	}
	s.events.HandleConnect(w, r, mustUser(r))
}

func mustUser(r *http.Request) string {
	id, _ := auth.UserID(r.Context())
	return id
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
