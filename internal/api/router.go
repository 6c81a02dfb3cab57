// Package api assembles the HTTP surface of the server.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/orca-platform/orca-server/internal/api/handlers"
	"github.com/orca-platform/orca-server/internal/api/middleware"
	"github.com/orca-platform/orca-server/internal/providers/registry"
	"github.com/orca-platform/orca-server/internal/version"
)

// OAuthBroker runs both halves of the authorization code flow.
type OAuthBroker interface {
	handlers.Authorizer
	handlers.Completer
}

// Deps holds everything the routes need. Metrics and ChatLimiter are
// optional.
type Deps struct {
	Registry    *registry.Registry
	Broker      OAuthBroker
	Credentials handlers.CredentialStore
	Connections handlers.ConnectionLister
	Tokens      handlers.Disconnector
	Chat        handlers.ChatRunner
	Speech      handlers.Speaker
	TTS         handlers.TTSOptions

	Session        *middleware.SessionAuth
	ChatLimiter    *middleware.RateLimiter
	AllowedOrigins []string
	DashboardURL   string
	Metrics        http.Handler
}

// NewRouter creates the router with all routes.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", handlers.HealthHandler(version.Version))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(d.Session.Middleware)

		r.Route("/integrations", func(r chi.Router) {
			r.Get("/providers", handlers.ProvidersHandler(d.Registry))

			// Authorize checks the provider before the session, so it
			// does its own authorization.
			r.Get("/oauth/{provider}/authorize", handlers.AuthorizeHandler(d.Broker))
			r.Get("/oauth/callback", handlers.CallbackHandler(d.Broker, d.DashboardURL))

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireUser)
				r.Get("/credentials/{credentialKey}", handlers.CredentialStatusHandler(d.Credentials))
				r.Post("/credentials/{credentialKey}", handlers.SaveCredentialHandler(d.Credentials))
				r.Get("/connections", handlers.ConnectionsHandler(d.Connections))
				r.Delete("/connections/{provider}", handlers.DisconnectHandler(d.Tokens))
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser)
			if d.ChatLimiter != nil {
				r.With(d.ChatLimiter.Middleware).Post("/chat", handlers.ChatHandler(d.Chat))
			} else {
				r.Post("/chat", handlers.ChatHandler(d.Chat))
			}
			r.Post("/tts", handlers.TTSHandler(d.Speech, d.TTS))
		})
	})

	return r
}
