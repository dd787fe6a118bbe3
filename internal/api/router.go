package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/hubforge/hubforge/internal/api/handler"
	"github.com/hubforge/hubforge/internal/api/middleware"
	"github.com/hubforge/hubforge/internal/session"
)

// RouterDeps holds all dependencies needed by the router.
type RouterDeps struct {
	Auth     *handler.AuthHandler
	OAuth    *handler.OAuthHandler
	Identity *handler.IdentityHandler
	Health   *handler.HealthHandler
	Sessions *session.Manager
}

// NewRouter creates and configures a chi router with all middleware and
// routes.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(chimiddleware.Logger)

	r.Get("/health", deps.Health.ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", deps.Auth.Register)
		r.Post("/login", deps.Auth.Login)
		r.Post("/login/temp", deps.Auth.TempLogin)
		r.Post("/refresh", deps.Auth.Refresh)
		r.Post("/resend-verification", deps.Auth.ResendVerification)
		r.Get("/verify-email", deps.Auth.VerifyEmail)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(deps.Sessions))
			r.Post("/logout", deps.Auth.Logout)
		})
	})

	r.Route("/oauth/{platform}", func(r chi.Router) {
		r.Get("/authorize", deps.OAuth.Authorize)
		r.Get("/callback", deps.OAuth.Callback)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(deps.Sessions))
		r.Use(middleware.RequireLinkedUser)
		r.Put("/user/password", deps.Auth.SetPassword)
	})

	r.Route("/user/identities", func(r chi.Router) {
		// The link callback is a browser redirect and carries its context
		// in the state token, not in a session.
		r.Get("/link/{platform}/callback", deps.Identity.LinkCallback)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(deps.Sessions))
			r.Post("/link/{platform}", deps.Identity.LinkStart)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireLinkedUser)
				r.Get("/", deps.Identity.List)
				r.Delete("/{platform}", deps.Identity.Unlink)
			})
		})
	})

	return r
}
