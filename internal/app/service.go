/**
 * @description
 * This file contains the core business logic for the billing service. The
 * `Service` struct orchestrates payment initiation and instance provisioning,
 * coordinating between the database repository, the payment gateway client,
 * and the compute control client.
 *
 * Key features:
 * - Payment initiation creates the durable session record before any network
 *   call, so a crash mid-flow always leaves a recoverable trace.
 * - Every failure after the session exists downgrades the session to `failed`
 *   and returns a structured result; no error escapes the operation boundary.
 * - Instance provisioning is the initial-activation path: it attaches the VM
 *   and starts the client's first billing cycle.
 *
 * @dependencies
 * - context, fmt, strings, time: Standard Go libraries.
 * - github.com/google/uuid: Payment reference generation.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/computeclient, pkg/mpesa, pkg/rabbitmq: External service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CarltonK/blackpaw-admin/internal/domain"
	"github.com/CarltonK/blackpaw-admin/internal/store"
	"github.com/CarltonK/blackpaw-admin/pkg/computeclient"
	"github.com/CarltonK/blackpaw-admin/pkg/mpesa"
	"github.com/CarltonK/blackpaw-admin/pkg/rabbitmq"
	"github.com/CarltonK/blackpaw-admin/pkg/secrets"
)

// countryCodePrefix is the international prefix payer numbers are normalized to.
const countryCodePrefix = "254"

// ComputeController abstracts the compute control client for the correlator
// and the reconciler.
type ComputeController interface {
	PerformAction(ctx context.Context, instanceID string, action computeclient.InstanceAction) (computeclient.ActionOutcome, error)
	CreateInstance(ctx context.Context, displayName string) (string, error)
}

// PaymentGateway abstracts the M-Pesa client.
type PaymentGateway interface {
	AccessToken(ctx context.Context) (string, error)
	Credentials(ctx context.Context) (secrets.GatewayCredentials, error)
	STKPush(ctx context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
}

// Service provides the core business logic for billing and lifecycle control.
type Service struct {
	repo      store.Repository
	gateway   PaymentGateway
	compute   ComputeController
	producer  rabbitmq.Publisher
	cycleDays int
}

// NewService creates a new billing service instance.
func NewService(repo store.Repository, gateway PaymentGateway, compute ComputeController, producer rabbitmq.Publisher, cycleDays int) *Service {
	if cycleDays <= 0 {
		cycleDays = 31
	}
	return &Service{
		repo:      repo,
		gateway:   gateway,
		compute:   compute,
		producer:  producer,
		cycleDays: cycleDays,
	}
}

// billingCycle is the duration of one prepaid cycle.
func (s *Service) billingCycle() time.Duration {
	return time.Duration(s.cycleDays) * 24 * time.Hour
}

// normalizePhone converts a payer number to the gateway's international
// format: a leading 0 is replaced with the country code, a leading + is
// stripped, and anything else passes through unchanged.
func normalizePhone(phone string) string {
	switch {
	case strings.HasPrefix(phone, "0"):
		return countryCodePrefix + phone[1:]
	case strings.HasPrefix(phone, "+"+countryCodePrefix):
		return phone[1:]
	default:
		return phone
	}
}

// InitiatePayment pushes a payment prompt to the client's phone. Failures are
// always expressed in the returned result; the operation never raises past
// its boundary.
func (s *Service) InitiatePayment(ctx context.Context, clientID uuid.UUID) domain.InitiationResult {
	client, err := s.repo.FindClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrClientNotFound) {
			return domain.InitiationResult{Success: false, Message: "Client not found"}
		}
		log.Printf("level=error component=billing_service op=initiate_payment client_id=%s err=%v", clientID, err)
		return domain.InitiationResult{Success: false, Message: "Failed to load client record"}
	}

	phone := normalizePhone(client.Payment.Phone)
	reference := uuid.New().String()

	// The session is the durable record of intent; it must exist before any
	// external call is made.
	session := &domain.PaymentSession{
		Reference:   reference,
		ClientID:    client.ID,
		Amount:      client.Payment.Amount,
		Status:      domain.PaymentInitiating,
		PaymentDate: time.Now().UTC(),
	}
	if err := s.repo.CreatePaymentSession(ctx, session); err != nil {
		log.Printf("level=error component=billing_service op=initiate_payment client_id=%s msg=\"session create failed\" err=%v", clientID, err)
		return domain.InitiationResult{Success: false, Message: "Failed to create payment session"}
	}

	if _, err := s.gateway.AccessToken(ctx); err != nil {
		log.Printf("level=error component=billing_service op=initiate_payment reference=%s msg=\"token acquisition failed\" err=%v", reference, err)
		s.failSession(ctx, reference, "access token acquisition failed: "+err.Error())
		return domain.InitiationResult{
			Success:   false,
			Message:   "Failed to get M-Pesa access token",
			Reference: reference,
			Details:   err.Error(),
		}
	}

	creds, err := s.gateway.Credentials(ctx)
	if err != nil {
		s.failSession(ctx, reference, "credential load failed: "+err.Error())
		return domain.InitiationResult{Success: false, Message: "Failed to load gateway credentials", Reference: reference}
	}

	timestamp := mpesa.Timestamp(time.Now())
	pushReq := mpesa.STKPushRequest{
		BusinessShortCode: creds.Shortcode,
		Password:          mpesa.DerivePassword(creds.Shortcode, creds.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            client.Payment.Amount,
		PartyA:            phone,
		PartyB:            creds.Shortcode,
		PhoneNumber:       phone,
		CallBackURL:       creds.CallbackURL + "/" + reference,
		AccountReference:  reference,
		TransactionDesc:   reference,
	}

	pushResp, err := s.gateway.STKPush(ctx, pushReq)
	if err != nil {
		log.Printf("level=error component=billing_service op=initiate_payment reference=%s msg=\"stk push failed\" err=%v", reference, err)
		s.failSession(ctx, reference, "stk push failed: "+err.Error())
		details := interface{}(err.Error())
		var gwErr *mpesa.GatewayError
		if errors.As(err, &gwErr) {
			details = gwErr.Body
		}
		return domain.InitiationResult{
			Success:   false,
			Message:   "M-Pesa STK push failed",
			Reference: reference,
			Details:   details,
		}
	}

	if err := s.repo.MarkSessionInitiated(ctx, reference); err != nil {
		// The push is already in flight; the callback will still correlate.
		log.Printf("level=warn component=billing_service op=initiate_payment reference=%s msg=\"failed to mark session initiated\" err=%v", reference, err)
	}

	log.Printf("level=info component=billing_service op=initiate_payment reference=%s client_id=%s amount=%d msg=\"stk push initiated\"", reference, client.ID, client.Payment.Amount)
	return domain.InitiationResult{
		Success:   true,
		Message:   "STK push initiated successfully",
		Reference: reference,
		Details:   pushResp,
	}
}

// failSession downgrades a session best-effort; a session must never be left
// in `initiating` after a failure.
func (s *Service) failSession(ctx context.Context, reference, reason string) {
	if err := s.repo.MarkSessionFailed(ctx, reference, reason); err != nil {
		log.Printf("level=error component=billing_service reference=%s msg=\"failed to mark session failed\" err=%v", reference, err)
	}
}

// ProvisionInstance creates a VM for the client and starts its first billing
// cycle. Unlike start/stop, provisioning failures propagate to the caller.
func (s *Service) ProvisionInstance(ctx context.Context, clientID uuid.UUID, displayName string) (*domain.Client, error) {
	client, err := s.repo.FindClientByID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.Compute.VMID != "" {
		return nil, fmt.Errorf("client %s already has instance %s", clientID, client.Compute.VMID)
	}
	if displayName == "" {
		displayName = client.Name
	}

	vmID, err := s.compute.CreateInstance(ctx, displayName)
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	nextBilling := time.Now().UTC().Add(s.billingCycle())
	if err := s.repo.AttachInstance(ctx, client.ID, vmID, nextBilling); err != nil {
		return nil, fmt.Errorf("attach instance %s: %w", vmID, err)
	}

	client.Compute.VMID = vmID
	client.Status = domain.ClientActive
	client.NextBillingDate = &nextBilling
	log.Printf("level=info component=billing_service op=provision client_id=%s vm_id=%s", client.ID, vmID)
	return client, nil
}
