/**
 * @description
 * The payment callback correlator: the webhook-driven half of the billing
 * core. It matches an asynchronous gateway result to its payment session,
 * finalizes the session, and — when the payment belongs to a suspended
 * client — resumes the VM and restarts the billing cycle.
 *
 * Key properties:
 * - Every delivery appends a callback audit record before anything else, so
 *   the forensic trail survives parsing and correlation failures.
 * - The session's success transition is conditional on it not already being
 *   terminal; a redelivered callback stops there and cannot double-advance
 *   the billing date or duplicate an overpayment record.
 * - Nothing propagates to the webhook boundary. The gateway retries slow or
 *   non-2xx responses, so the handler must always be able to acknowledge.
 */

package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/CarltonK/blackpaw-admin/internal/domain"
	"github.com/CarltonK/blackpaw-admin/pkg/computeclient"
	"github.com/CarltonK/blackpaw-admin/pkg/mpesa"
)

// HandleCallback processes one gateway callback delivery for the referenced
// payment session. It never returns an error: failures are downgraded to a
// failed session state and logged.
func (s *Service) HandleCallback(ctx context.Context, reference string, rawBody []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=callback_correlator reference=%s msg=\"panic during correlation\" err=%v", reference, r)
			s.failSession(ctx, reference, "internal error during correlation")
		}
	}()

	// Audit first, outcome later: the raw payload is recorded for every
	// delivery, correlated or not.
	audit := &domain.CallbackAuditRecord{
		ID:        uuid.New(),
		Reference: reference,
		RawBody:   rawBody,
	}
	if err := s.repo.AppendCallbackAudit(ctx, audit); err != nil {
		log.Printf("level=error component=callback_correlator reference=%s msg=\"audit append failed\" err=%v", reference, err)
	}

	var envelope mpesa.CallbackEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		log.Printf("level=error component=callback_correlator reference=%s msg=\"malformed callback payload\" err=%v", reference, err)
		s.failSession(ctx, reference, "malformed callback payload")
		return
	}
	callback := envelope.Body.StkCallback

	session, err := s.repo.FindSessionByReference(ctx, reference)
	if err != nil {
		log.Printf("level=warn component=callback_correlator reference=%s msg=\"no session for callback\" err=%v", reference, err)
		return
	}
	if session.Status.IsTerminal() {
		log.Printf("level=info component=callback_correlator reference=%s status=%s msg=\"duplicate delivery for terminal session; ignoring\"", reference, session.Status)
		return
	}

	if callback.ResultCode != 0 {
		log.Printf("level=info component=callback_correlator reference=%s result_code=%d desc=%q msg=\"payment failed at gateway\"", reference, callback.ResultCode, callback.ResultDesc)
		s.failSession(ctx, reference, callback.ResultDesc)
		return
	}

	amountPaid, err := callback.CallbackMetadata.Int64("Amount")
	if err != nil {
		log.Printf("level=error component=callback_correlator reference=%s msg=\"callback missing amount\" err=%v", reference, err)
		s.failSession(ctx, reference, "callback metadata missing amount")
		return
	}
	transaction := domain.PaymentTransaction{
		Phone:           callback.CallbackMetadata.String("PhoneNumber"),
		Amount:          amountPaid,
		ReceiptNumber:   callback.CallbackMetadata.String("MpesaReceiptNumber"),
		TransactionDate: callback.CallbackMetadata.String("TransactionDate"),
		CheckoutID:      callback.CheckoutRequestID,
	}

	transitioned, err := s.repo.CompleteSession(ctx, reference, transaction)
	if err != nil {
		log.Printf("level=error component=callback_correlator reference=%s msg=\"session completion failed\" err=%v", reference, err)
		return
	}
	if !transitioned {
		// Lost the race with a concurrent delivery of the same reference.
		log.Printf("level=info component=callback_correlator reference=%s msg=\"session already finalized; skipping client mutation\"", reference)
		return
	}

	client, err := s.repo.FindClientByID(ctx, session.ClientID)
	if err != nil {
		log.Printf("level=warn component=callback_correlator reference=%s client_id=%s msg=\"session has no client\" err=%v", reference, session.ClientID, err)
		return
	}

	switch client.Status {
	case domain.ClientSuspended:
		s.resumeSuspendedClient(ctx, client, session, amountPaid)
	case domain.ClientActive:
		// Payment made while active extends the cycle from its current
		// anniversary; the VM was never stopped.
		next := s.extendedBillingDate(client)
		if err := s.repo.AdvanceBillingDate(ctx, client.ID, next); err != nil {
			log.Printf("level=error component=callback_correlator reference=%s client_id=%s msg=\"billing date advance failed\" err=%v", reference, client.ID, err)
			return
		}
		log.Printf("level=info component=callback_correlator reference=%s client_id=%s next_billing=%s msg=\"cycle extended\"", reference, client.ID, next.Format(time.RFC3339))
	}
}

// resumeSuspendedClient handles a confirmed payment for a suspended client:
// restart the VM, reactivate the client, and ledger any overpayment.
func (s *Service) resumeSuspendedClient(ctx context.Context, client *domain.Client, session *domain.PaymentSession, amountPaid int64) {
	amountDue := client.Payment.Amount
	if amountPaid < amountDue {
		log.Printf("level=info component=callback_correlator reference=%s client_id=%s paid=%d due=%d msg=\"underpayment; client stays suspended\"", session.Reference, client.ID, amountPaid, amountDue)
		return
	}

	outcome, err := s.compute.PerformAction(ctx, client.Compute.VMID, computeclient.ActionStart)
	if outcome == computeclient.ActionUnrecognized {
		// The payment is confirmed; holding the client suspended would strand
		// it since the sweep never issues starts. Reactivate anyway and rely
		// on the log line for the outage.
		log.Printf("level=error component=callback_correlator reference=%s vm_id=%s msg=\"start action failed; reactivating regardless\" err=%v", session.Reference, client.Compute.VMID, err)
	}

	next := time.Now().UTC().Add(s.billingCycle())
	if err := s.repo.ReactivateClient(ctx, client.ID, next); err != nil {
		log.Printf("level=error component=callback_correlator reference=%s client_id=%s msg=\"reactivation failed\" err=%v", session.Reference, client.ID, err)
		return
	}
	log.Printf("level=info component=callback_correlator reference=%s client_id=%s next_billing=%s msg=\"service resumed\"", session.Reference, client.ID, next.Format(time.RFC3339))

	if amountPaid > amountDue {
		record := &domain.OverpaymentRecord{
			ID:          uuid.New(),
			ClientID:    client.ID,
			Reference:   session.Reference,
			AmountPaid:  amountPaid,
			AmountDue:   amountDue,
			Overpayment: amountPaid - amountDue,
		}
		if err := s.repo.AppendOverpayment(ctx, record); err != nil {
			log.Printf("level=error component=callback_correlator reference=%s client_id=%s msg=\"overpayment append failed\" err=%v", session.Reference, client.ID, err)
			return
		}
		log.Printf("level=info component=callback_correlator reference=%s client_id=%s overpayment=%d msg=\"overpayment recorded\"", session.Reference, client.ID, record.Overpayment)
	}
}

// extendedBillingDate returns the current billing date plus one cycle,
// falling back to now when the client has never been billed.
func (s *Service) extendedBillingDate(client *domain.Client) time.Time {
	base := time.Now().UTC()
	if client.NextBillingDate != nil {
		base = *client.NextBillingDate
	}
	return base.Add(s.billingCycle())
}
