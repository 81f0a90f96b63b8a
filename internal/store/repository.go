/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the billing service. By defining
 * an interface, we decouple the reconciliation and correlation logic from the
 * PostgreSQL implementation, making both paths testable with in-memory stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For identifier handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/CarltonK/blackpaw-admin/internal/domain"
)

var (
	// ErrClientNotFound is returned when no client row matches the id.
	ErrClientNotFound = errors.New("client not found")
	// ErrSessionNotFound is returned when no payment session matches the reference.
	ErrSessionNotFound = errors.New("payment session not found")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Client methods
	ListClients(ctx context.Context) ([]domain.Client, error)
	FindClientByID(ctx context.Context, clientID uuid.UUID) (*domain.Client, error)
	UpdateClientStatus(ctx context.Context, clientID uuid.UUID, status domain.ClientStatus) error
	// ReactivateClient clears the suspended status and advances the billing
	// date in a single statement, so the correlator's resume path leaves the
	// row in one of two states rather than three.
	ReactivateClient(ctx context.Context, clientID uuid.UUID, nextBillingDate time.Time) error
	AdvanceBillingDate(ctx context.Context, clientID uuid.UUID, nextBillingDate time.Time) error
	AttachInstance(ctx context.Context, clientID uuid.UUID, vmID string, nextBillingDate time.Time) error

	// Payment session methods
	CreatePaymentSession(ctx context.Context, session *domain.PaymentSession) error
	FindSessionByReference(ctx context.Context, reference string) (*domain.PaymentSession, error)
	MarkSessionInitiated(ctx context.Context, reference string) error
	MarkSessionFailed(ctx context.Context, reference string, failureReason string) error
	// CompleteSession transitions the session to `success` and merges the
	// gateway transaction detail. The transition is conditional on the session
	// not already being terminal; it reports false when no row transitioned,
	// which is the duplicate-delivery signal the correlator stops on.
	CompleteSession(ctx context.Context, reference string, tx domain.PaymentTransaction) (bool, error)

	// Append-only ledgers
	AppendOverpayment(ctx context.Context, record *domain.OverpaymentRecord) error
	AppendCallbackAudit(ctx context.Context, record *domain.CallbackAuditRecord) error
}
