/**
 * @description
 * This file sets up the HTTP router for the ledger-service. Every /api route is
 * guarded by the internal API key; per-account secrets are checked by the handlers.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser-based operator tooling.
 */

package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a new Chi router and registers the ledger routes.
func NewRouter(h *Handler, internalKey string, requestTimeout time.Duration, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", "X-Request-Id", internalAPIKeyHeader},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))

		r.Post("/accounts/register", h.handleRegister)
		r.Post("/accounts/balance", h.handleBalance)

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.handleLookupTransaction)
			r.Post("/debit", h.handleDebit)
			r.Post("/pending", h.handleCreatePending)
			r.Post("/settle", h.handleSettle)
			r.Post("/credit", h.handleCreditDirect)
			r.Post("/tuition", h.handlePayTuition)
			r.Post("/course-upload", h.handleCourseUpload)
			r.Get("/{id}", h.handleGetTransaction)
			r.Post("/{id}/reverse", h.handleReverse)
		})

		r.Get("/ledger/reconciliation", h.handleReconciliation)
	})

	return r
}
