package api

import (
	"log/slog"
	"net/http"

	"sqlinx/internal/service"
	"sqlinx/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterConfig struct {
	Workbench *service.Workbench
	Sessions  *session.Manager
	Limiter   *RateLimiter
	MaxUpload int64
	ServerURL string
	Logger    *slog.Logger
}

// NewRouter wires the HTML pages, the JSON API and static assets.
func NewRouter(cfg RouterConfig) (http.Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	webHandler, err := NewWebHandler(cfg.Workbench, cfg.Sessions, cfg.Limiter, cfg.MaxUpload, logger)
	if err != nil {
		return nil, err
	}
	apiHandler := NewHandler(cfg.Workbench, cfg.Sessions, cfg.Limiter, NewDocHandler(cfg.ServerURL), cfg.MaxUpload, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "text/html", "text/css", "text/csv", "application/json", "application/javascript"))

	r.Get("/healthz", apiHandler.Health)
	webHandler.RegisterStatic(r)

	r.Group(func(r chi.Router) {
		r.Use(SessionMiddleware(cfg.Sessions))
		webHandler.RegisterRoutes(r)
		r.Route("/api", apiHandler.Routes)
	})

	return r, nil
}
