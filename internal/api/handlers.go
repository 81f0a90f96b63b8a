/**
 * @description
 * This file contains the HTTP handlers for the billing service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as
 * the bridge between the web layer and the business logic layer.
 *
 * The callback handler acknowledges with HTTP 200 no matter what: the payment
 * gateway retries on non-200, and a retried duplicate has no new information
 * for us. Every payload is absorbed and correlated (or discarded) internally.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain: For service logic and models.
 */

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/CarltonK/blackpaw-admin/internal/domain"
)

// Callback bodies above this are discarded before parsing. Real gateway
// callbacks are well under a kilobyte.
const maxCallbackBodyBytes = 64 * 1024

// BillingService is the application surface the handlers depend on.
type BillingService interface {
	InitiatePayment(ctx context.Context, clientID uuid.UUID) domain.InitiationResult
	HandleCallback(ctx context.Context, reference string, rawBody []byte)
	ProvisionInstance(ctx context.Context, clientID uuid.UUID, displayName string) (*domain.Client, error)
}

// RateLimiter throttles payment initiation per client.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// BillingHandlers holds the application service that handlers will use.
type BillingHandlers struct {
	service      BillingService
	limiter      RateLimiter
	limitPerHour int
}

// NewBillingHandlers creates a new instance of BillingHandlers.
func NewBillingHandlers(service BillingService, limiter RateLimiter, limitPerHour int) *BillingHandlers {
	return &BillingHandlers{
		service:      service,
		limiter:      limiter,
		limitPerHour: limitPerHour,
	}
}

// InitiatePaymentHandler handles requests to send an STK push prompt to a
// client's phone. The response mirrors the structured initiation result:
// success and failure both come back as JSON, failures with a 4xx/5xx status.
func (h *BillingHandlers) InitiatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=initiate_payment outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.ClientID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}

	if h.limiter != nil && h.limitPerHour > 0 {
		count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), "stk_push", req.ClientID.String(), h.limitPerHour, time.Hour)
		if err != nil {
			// A broken limiter must not block payments; log and continue.
			log.Printf("level=error component=api endpoint=initiate_payment msg=\"rate limiter unavailable\" client_id=%s err=%v", req.ClientID, err)
		} else if count > h.limitPerHour {
			log.Printf("level=warn component=api endpoint=initiate_payment outcome=reject reason=rate_limited client_id=%s count=%d", req.ClientID, count)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Too many payment prompts. Please try again later.")
			return
		}
	}

	result := h.service.InitiatePayment(r.Context(), req.ClientID)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
		if result.Message == "Client not found" {
			status = http.StatusNotFound
		}
	}
	h.writeJSON(w, status, result)
}

// PaymentCallbackHandler receives the gateway's result callback for a
// payment session. It always acknowledges with 200 so the gateway does not
// retry; correlation outcomes live in the session record, not the response.
func (h *BillingHandlers) PaymentCallbackHandler(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBodyBytes))
	if err != nil {
		log.Printf("level=warn component=api endpoint=payment_callback reference=%s msg=\"failed to read callback body\" err=%v", reference, err)
		body = nil
	}

	h.service.HandleCallback(r.Context(), reference, body)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
	})
}

// ProvisionInstanceHandler creates a VM for a client and opens its first
// billing cycle.
func (h *BillingHandlers) ProvisionInstanceHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.ClientID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}

	client, err := h.service.ProvisionInstance(r.Context(), req.ClientID, req.DisplayName)
	if err != nil {
		log.Printf("level=error component=api endpoint=provision_instance client_id=%s err=%v", req.ClientID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not provision instance.")
		return
	}

	h.writeJSON(w, http.StatusCreated, client)
}

// writeJSON is a helper for writing JSON responses.
func (h *BillingHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *BillingHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
