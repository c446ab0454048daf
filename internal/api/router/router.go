// Package router wires the HTTP surface: public webhook intake and health
// checks, plus the JWT-protected admin API.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clinivia/agendabot/internal/http/handlers"
	httpmiddleware "github.com/clinivia/agendabot/internal/http/middleware"
	"github.com/clinivia/agendabot/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger          *logging.Logger
	Webhooks        *handlers.WebhookHandler
	Admin           *handlers.AdminHandler
	Health          *handlers.HealthHandler
	MetricsHandler  http.Handler
	AdminAuthSecret string

	// WebhookRatePerSecond throttles the public webhook endpoints per
	// source IP. Zero disables the throttle.
	WebhookRatePerSecond float64
	WebhookBurst         int
}

// New creates a Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Group(func(public chi.Router) {
		if cfg.Health != nil {
			public.Get("/health", cfg.Health.Live)
			public.Get("/health/ready", cfg.Health.Ready)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Webhooks != nil {
			public.Route("/api/v1/webhook", func(wh chi.Router) {
				if cfg.WebhookRatePerSecond > 0 {
					wh.Use(httpmiddleware.RateLimit(cfg.WebhookRatePerSecond, cfg.WebhookBurst))
				}
				wh.Post("/message", cfg.Webhooks.HandleMessage)
				wh.Post("/status", cfg.Webhooks.HandleStatus)
				wh.Post("/connected", cfg.Webhooks.HandleConnected)
			})
		}
	})

	if cfg.Admin != nil {
		r.Route("/api/v1/admin", func(adm chi.Router) {
			adm.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			adm.Get("/status", cfg.Admin.Status)
			adm.Post("/conversations/{phone}/reset", cfg.Admin.Reset)
			adm.Post("/messages/test", cfg.Admin.SendTest)
		})
	}

	return r
}
