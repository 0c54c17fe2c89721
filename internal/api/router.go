// Package api is the daemon's HTTP surface. Handlers are thin: every piece
// of behavior lives in the orchestration packages, and the backend stays the
// single source of truth for connection state.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/soulsig/twinhub/internal/connector"
	"github.com/soulsig/twinhub/internal/credstore"
	"github.com/soulsig/twinhub/internal/onboarding"
	"github.com/soulsig/twinhub/internal/progress"
	"github.com/soulsig/twinhub/internal/reconcile"
	"github.com/soulsig/twinhub/internal/status"
)

// Deps carries the constructed orchestration components the router wires.
type Deps struct {
	Store      *credstore.Store
	Status     *status.Client
	Launcher   *connector.Launcher
	Reconciler *reconcile.Reconciler
	Tracker    *progress.Tracker
	Flow       *onboarding.Flow
	Notices    *NoticeBuffer
	Completion *CompletionSignal
}

// NewRouter builds the chi router for the daemon.
func NewRouter(deps Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestID)

	// OAuth returns arrive unauthenticated; the reconciler only ever treats
	// them as invalidation triggers.
	r.Get("/oauth/callback", OAuthCallbackHandler(deps.Launcher, deps.Reconciler))

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", VersionHandler())
		r.Get("/providers", ProvidersHandler())

		r.Get("/session", SessionInfoHandler(deps.Store))
		r.Post("/session", SignInHandler(deps.Store))
		r.Delete("/session", SignOutHandler(deps.Store, deps.Status, deps.Flow, deps.Tracker))

		r.Post("/messages/oauth", OAuthMessageHandler(deps.Reconciler))

		r.Group(func(r chi.Router) {
			r.Use(RequireSession(deps.Store))

			r.Get("/status", StatusHandler(deps.Store, deps.Status))
			r.Get("/notices", NoticesHandler(deps.Notices))

			r.Post("/connectors/{provider}/connect", ConnectHandler(deps.Launcher))
			r.Post("/connectors/{provider}/reconnect", ReconnectHandler(deps.Launcher))
			r.Delete("/connectors/{provider}", DisconnectHandler(deps.Launcher))

			r.Route("/onboarding", func(r chi.Router) {
				r.Get("/", OnboardingStateHandler(deps.Flow))
				r.Post("/advance", OnboardingAdvanceHandler(deps.Flow))
				r.Post("/back", OnboardingBackHandler(deps.Flow))
				r.Post("/restart", OnboardingRestartHandler(deps.Flow))
				r.Post("/select", OnboardingSelectHandler(deps.Flow))
				r.Post("/priority", OnboardingPriorityHandler(deps.Flow))
			})

			r.Route("/progress", func(r chi.Router) {
				r.Post("/start", ProgressStartHandler(deps.Flow, deps.Tracker))
				r.Get("/", ProgressSnapshotHandler(deps.Tracker))
				r.Get("/completion", ProgressCompletionHandler(deps.Completion))
			})
		})
	})

	return r
}
