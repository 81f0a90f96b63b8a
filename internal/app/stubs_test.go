package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/CarltonK/blackpaw-admin/internal/domain"
	"github.com/CarltonK/blackpaw-admin/internal/store"
	"github.com/CarltonK/blackpaw-admin/pkg/computeclient"
	"github.com/CarltonK/blackpaw-admin/pkg/mpesa"
	"github.com/CarltonK/blackpaw-admin/pkg/rabbitmq"
	"github.com/CarltonK/blackpaw-admin/pkg/secrets"
)

// repoStub is an in-memory Repository implementation used to drive the
// reconciler and correlator without a database.
type repoStub struct {
	clients  map[uuid.UUID]*domain.Client
	sessions map[string]*domain.PaymentSession

	listErr     error
	completeErr error

	statusUpdates    []domain.ClientStatus
	reactivations    []time.Time
	billingAdvances  []time.Time
	createdSessions  []string
	failedSessions   map[string]string
	overpayments     []domain.OverpaymentRecord
	auditRecords     []domain.CallbackAuditRecord
	attachedInstance string
}

func newRepoStub() *repoStub {
	return &repoStub{
		clients:        make(map[uuid.UUID]*domain.Client),
		sessions:       make(map[string]*domain.PaymentSession),
		failedSessions: make(map[string]string),
	}
}

func (r *repoStub) ListClients(ctx context.Context) ([]domain.Client, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]domain.Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	return out, nil
}

func (r *repoStub) FindClientByID(ctx context.Context, clientID uuid.UUID) (*domain.Client, error) {
	c, ok := r.clients[clientID]
	if !ok {
		return nil, store.ErrClientNotFound
	}
	copied := *c
	return &copied, nil
}

func (r *repoStub) UpdateClientStatus(ctx context.Context, clientID uuid.UUID, status domain.ClientStatus) error {
	c, ok := r.clients[clientID]
	if !ok {
		return store.ErrClientNotFound
	}
	c.Status = status
	r.statusUpdates = append(r.statusUpdates, status)
	return nil
}

func (r *repoStub) ReactivateClient(ctx context.Context, clientID uuid.UUID, nextBillingDate time.Time) error {
	c, ok := r.clients[clientID]
	if !ok {
		return store.ErrClientNotFound
	}
	c.Status = domain.ClientActive
	c.NextBillingDate = &nextBillingDate
	r.reactivations = append(r.reactivations, nextBillingDate)
	return nil
}

func (r *repoStub) AdvanceBillingDate(ctx context.Context, clientID uuid.UUID, nextBillingDate time.Time) error {
	c, ok := r.clients[clientID]
	if !ok {
		return store.ErrClientNotFound
	}
	c.NextBillingDate = &nextBillingDate
	r.billingAdvances = append(r.billingAdvances, nextBillingDate)
	return nil
}

func (r *repoStub) AttachInstance(ctx context.Context, clientID uuid.UUID, vmID string, nextBillingDate time.Time) error {
	c, ok := r.clients[clientID]
	if !ok {
		return store.ErrClientNotFound
	}
	c.Compute.VMID = vmID
	c.NextBillingDate = &nextBillingDate
	r.attachedInstance = vmID
	return nil
}

func (r *repoStub) CreatePaymentSession(ctx context.Context, session *domain.PaymentSession) error {
	copied := *session
	r.sessions[session.Reference] = &copied
	r.createdSessions = append(r.createdSessions, session.Reference)
	return nil
}

func (r *repoStub) FindSessionByReference(ctx context.Context, reference string) (*domain.PaymentSession, error) {
	s, ok := r.sessions[reference]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (r *repoStub) MarkSessionInitiated(ctx context.Context, reference string) error {
	s, ok := r.sessions[reference]
	if !ok {
		return store.ErrSessionNotFound
	}
	if s.Status == domain.PaymentInitiating {
		s.Status = domain.PaymentInitiated
	}
	return nil
}

func (r *repoStub) MarkSessionFailed(ctx context.Context, reference string, failureReason string) error {
	s, ok := r.sessions[reference]
	if !ok {
		return store.ErrSessionNotFound
	}
	if !s.Status.IsTerminal() {
		s.Status = domain.PaymentFailed
		s.FailureReason = &failureReason
	}
	r.failedSessions[reference] = failureReason
	return nil
}

func (r *repoStub) CompleteSession(ctx context.Context, reference string, tx domain.PaymentTransaction) (bool, error) {
	if r.completeErr != nil {
		return false, r.completeErr
	}
	s, ok := r.sessions[reference]
	if !ok {
		return false, store.ErrSessionNotFound
	}
	if s.Status.IsTerminal() {
		return false, nil
	}
	s.Status = domain.PaymentSuccess
	s.Transaction = &tx
	return true, nil
}

func (r *repoStub) AppendOverpayment(ctx context.Context, record *domain.OverpaymentRecord) error {
	r.overpayments = append(r.overpayments, *record)
	return nil
}

func (r *repoStub) AppendCallbackAudit(ctx context.Context, record *domain.CallbackAuditRecord) error {
	r.auditRecords = append(r.auditRecords, *record)
	return nil
}

// computeStub records instance actions and lets tests force outcomes.
type computeStub struct {
	actions       []computeclient.InstanceAction
	actionTargets []string
	outcome       computeclient.ActionOutcome
	actionErr     error
	createdID     string
	createErr     error
}

func (c *computeStub) PerformAction(ctx context.Context, instanceID string, action computeclient.InstanceAction) (computeclient.ActionOutcome, error) {
	c.actions = append(c.actions, action)
	c.actionTargets = append(c.actionTargets, instanceID)
	return c.outcome, c.actionErr
}

func (c *computeStub) CreateInstance(ctx context.Context, displayName string) (string, error) {
	if c.createErr != nil {
		return "", c.createErr
	}
	if c.createdID == "" {
		return "vm-created", nil
	}
	return c.createdID, nil
}

// gatewayStub simulates the M-Pesa client for initiation tests.
type gatewayStub struct {
	tokenErr error
	pushErr  error
	pushReqs []mpesa.STKPushRequest
}

func (g *gatewayStub) AccessToken(ctx context.Context) (string, error) {
	if g.tokenErr != nil {
		return "", g.tokenErr
	}
	return "test-token", nil
}

func (g *gatewayStub) Credentials(ctx context.Context) (secrets.GatewayCredentials, error) {
	return secrets.GatewayCredentials{
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Shortcode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://billing.example.com/payments/callback",
		BaseURL:        "https://sandbox.safaricom.co.ke",
	}, nil
}

func (g *gatewayStub) STKPush(ctx context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error) {
	g.pushReqs = append(g.pushReqs, req)
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	return &mpesa.STKPushResponse{
		MerchantRequestID:   "merchant-1",
		CheckoutRequestID:   "checkout-1",
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
	}, nil
}

// producerStub records published reminder events.
type producerStub struct {
	events     []rabbitmq.ReminderEvent
	publishErr error
}

func (p *producerStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return p.publishErr
}

func (p *producerStub) PublishReminderEvent(ctx context.Context, event rabbitmq.ReminderEvent) error {
	if p.publishErr != nil {
		return p.publishErr
	}
	p.events = append(p.events, event)
	return nil
}

func (p *producerStub) Close() {}

func newTestService(repo *repoStub, gateway *gatewayStub, compute *computeStub, producer *producerStub) *Service {
	return NewService(repo, gateway, compute, producer, 31)
}

func newTestReconciler(repo *repoStub, compute *computeStub, producer *producerStub) *Reconciler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewReconciler(repo, compute, producer, logger)
}

var errStub = errors.New("stub failure")
