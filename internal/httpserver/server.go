package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/membership-backend/internal/config"
	"github.com/PortNumber53/membership-backend/internal/handlers"
	"github.com/PortNumber53/membership-backend/internal/metrics"
	"github.com/PortNumber53/membership-backend/internal/middleware"
	"github.com/PortNumber53/membership-backend/internal/worker"
)

// MembershipService is the user-facing membership surface.
type MembershipService interface {
	handlers.CheckoutCreator
	handlers.CheckoutSummarizer
	handlers.MembershipViewer
	handlers.MembershipCanceller
}

// Deps collects the collaborators the router needs. Admin, Worker and the
// health checks are optional.
type Deps struct {
	Catalog    handlers.PlanCatalog
	Membership MembershipService
	Webhook    handlers.WebhookHandler
	Admin      handlers.MembershipAdmin
	Worker     *worker.Worker
	Checks     []handlers.HealthCheck
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
	logger     zerolog.Logger
}

// New constructs an HTTP server using the provided configuration and services.
func New(cfg config.Config, deps Deps, logger zerolog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestLogger(logger))
	router.Use(chimiddleware.Recoverer)

	router.Get("/healthz", handlers.Health(deps.Checks...))
	router.Handle("/metrics", metrics.Handler())

	webhook := handlers.PaymentWebhook(deps.Webhook, logger)
	router.Post("/payments/webhook", webhook)
	router.Post("/stripe/webhook", webhook)

	router.Route("/api", func(r chi.Router) {
		r.Post("/payments/webhook", webhook)
		r.Post("/stripe/webhook", webhook)

		r.Get("/membership-types", handlers.ListMembershipTypes(deps.Catalog, logger))
		r.Get("/membership-types/{id}", handlers.GetMembershipType(deps.Catalog, logger))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(cfg.JWTSecret))

			r.Post("/membership-types/{id}/checkout-sessions", handlers.CreateCheckoutSession(deps.Membership, logger))
			r.Get("/checkout-sessions/{id}", handlers.GetCheckoutSession(deps.Membership, logger))
			r.Get("/user-memberships/current-user-membership", handlers.CurrentUserMembership(deps.Membership, logger))
			r.Put("/user-memberships/current-user-membership", handlers.UpdateCurrentUserMembership(deps.Membership, logger))
			r.Get("/payments", handlers.ListPayments(deps.Membership, logger))

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				r.Put("/membership-types/{id}", handlers.UpdateMembershipType(deps.Catalog, logger))
				if deps.Admin != nil {
					r.Get("/admin/user-memberships", handlers.ListUserMemberships(deps.Admin, logger))
					r.Patch("/admin/user-memberships/{id}", handlers.UpdateUserMembership(deps.Admin, logger))
				}
				if deps.Worker != nil {
					r.Get("/admin/jobs/stats", handlers.JobStats(deps.Worker, logger))
				}
			})
		})
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker, logger: logger}
}

// Start begins serving HTTP traffic and starts the worker.
func (s *Server) Start() error {
	if s.worker != nil {
		s.logger.Info().Msg("starting reconcile worker")
		s.worker.Start(context.Background())
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.worker != nil {
		s.logger.Info().Msg("stopping reconcile worker")
		if err := s.worker.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("worker shutdown error")
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
