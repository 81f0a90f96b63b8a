/**
 * @description
 * This file sets up the HTTP router for the billing service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for the operator dashboard origin.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// BillingRoutes creates and returns a new router for the billing service.
func BillingRoutes(h *BillingHandlers, internalAPIKey, dashboardOrigin string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{dashboardOrigin},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Api-Key"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// The gateway posts payment results here; it cannot carry our API key.
	r.Post("/payments/callback/{reference}", h.PaymentCallbackHandler)

	// Group routes that require the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/payments", h.InitiatePaymentHandler)
		r.Post("/instances", h.ProvisionInstanceHandler)
	})

	return r
}
