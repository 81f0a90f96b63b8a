package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/CarltonK/blackpaw-admin/internal/domain"
	"github.com/CarltonK/blackpaw-admin/pkg/computeclient"
)

func successCallbackBody(amount int64) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "merchant-1",
				"CheckoutRequestID": "checkout-1",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": %d},
						{"Name": "MpesaReceiptNumber", "Value": "RKTQDM7W6S"},
						{"Name": "TransactionDate", "Value": 20260310143022},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`, amount))
}

func failureCallbackBody(code int, desc string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "merchant-1",
				"CheckoutRequestID": "checkout-1",
				"ResultCode": %d,
				"ResultDesc": %q
			}
		}
	}`, code, desc))
}

func seedSession(repo *repoStub, client *domain.Client, amount int64) *domain.PaymentSession {
	session := &domain.PaymentSession{
		Reference:   uuid.New().String(),
		ClientID:    client.ID,
		Amount:      amount,
		Status:      domain.PaymentInitiated,
		PaymentDate: time.Now().UTC(),
	}
	repo.sessions[session.Reference] = session
	return session
}

func TestCallbackExtendsCycleForActiveClient(t *testing.T) {
	repo := newRepoStub()
	client := activeClient(10)
	previousBilling := *client.NextBillingDate
	repo.clients[client.ID] = client
	session := seedSession(repo, client, 1000)
	compute := &computeStub{}
	svc := newTestService(repo, &gatewayStub{}, compute, &producerStub{})

	svc.HandleCallback(context.Background(), session.Reference, successCallbackBody(1000))

	if repo.sessions[session.Reference].Status != domain.PaymentSuccess {
		t.Fatalf("expected session success, got %s", repo.sessions[session.Reference].Status)
	}
	if len(repo.billingAdvances) != 1 {
		t.Fatalf("expected one billing advance, got %d", len(repo.billingAdvances))
	}
	wantNext := previousBilling.Add(31 * 24 * time.Hour)
	if !repo.billingAdvances[0].Equal(wantNext) {
		t.Fatalf("expected cycle extended from the existing anniversary to %s, got %s", wantNext, repo.billingAdvances[0])
	}
	if len(compute.actions) != 0 {
		t.Fatal("active client payment must not touch the instance")
	}
	if len(repo.overpayments) != 0 {
		t.Fatalf("exact payment must not ledger an overpayment, got %+v", repo.overpayments)
	}
}

func TestCallbackResumesSuspendedClientAndLedgersOverpayment(t *testing.T) {
	repo := newRepoStub()
	client := activeClient(-5)
	client.Status = domain.ClientSuspended
	repo.clients[client.ID] = client
	session := seedSession(repo, client, 1000)
	compute := &computeStub{outcome: computeclient.ActionApplied}
	svc := newTestService(repo, &gatewayStub{}, compute, &producerStub{})

	svc.HandleCallback(context.Background(), session.Reference, successCallbackBody(1500))

	if len(compute.actions) != 1 || compute.actions[0] != computeclient.ActionStart {
		t.Fatalf("expected one start action, got %+v", compute.actions)
	}
	if repo.clients[client.ID].Status != domain.ClientActive {
		t.Fatalf("expected client reactivated, got %s", repo.clients[client.ID].Status)
	}
	if len(repo.reactivations) != 1 {
		t.Fatalf("expected one reactivation write, got %d", len(repo.reactivations))
	}
	if len(repo.overpayments) != 1 {
		t.Fatalf("expected one overpayment record, got %d", len(repo.overpayments))
	}
	over := repo.overpayments[0]
	if over.Overpayment != 500 || over.AmountPaid != 1500 || over.AmountDue != 1000 {
		t.Fatalf("unexpected overpayment record %+v", over)
	}
	tx := repo.sessions[session.Reference].Transaction
	if tx == nil || tx.ReceiptNumber != "RKTQDM7W6S" {
		t.Fatalf("expected gateway transaction merged into session, got %+v", tx)
	}
}

func TestCallbackUnderpaymentKeepsClientSuspended(t *testing.T) {
	repo := newRepoStub()
	client := activeClient(-5)
	client.Status = domain.ClientSuspended
	repo.clients[client.ID] = client
	session := seedSession(repo, client, 1000)
	compute := &computeStub{}
	svc := newTestService(repo, &gatewayStub{}, compute, &producerStub{})

	svc.HandleCallback(context.Background(), session.Reference, successCallbackBody(400))

	// The payment itself is real money and the session records it.
	if repo.sessions[session.Reference].Status != domain.PaymentSuccess {
		t.Fatalf("expected session success, got %s", repo.sessions[session.Reference].Status)
	}
	if repo.clients[client.ID].Status != domain.ClientSuspended {
		t.Fatalf("underpayment must not resume service, got %s", repo.clients[client.ID].Status)
	}
	if len(compute.actions) != 0 {
		t.Fatalf("underpayment must not start the instance, got %+v", compute.actions)
	}
}

func TestCallbackGatewayFailureMarksSessionFailed(t *testing.T) {
	repo := newRepoStub()
	client := activeClient(5)
	repo.clients[client.ID] = client
	session := seedSession(repo, client, 1000)
	svc := newTestService(repo, &gatewayStub{}, &computeStub{}, &producerStub{})

	svc.HandleCallback(context.Background(), session.Reference, failureCallbackBody(1032, "Request cancelled by user"))

	got := repo.sessions[session.Reference]
	if got.Status != domain.PaymentFailed {
		t.Fatalf("expected session failed, got %s", got.Status)
	}
	if got.FailureReason == nil || *got.FailureReason != "Request cancelled by user" {
		t.Fatalf("expected gateway description as failure reason, got %v", got.FailureReason)
	}
	if len(repo.billingAdvances) != 0 || len(repo.reactivations) != 0 {
		t.Fatal("failed payment must not mutate the client")
	}
}

func TestCallbackDuplicateDeliveryIsIgnored(t *testing.T) {
	repo := newRepoStub()
	client := activeClient(10)
	repo.clients[client.ID] = client
	session := seedSession(repo, client, 1000)
	svc := newTestService(repo, &gatewayStub{}, &computeStub{}, &producerStub{})

	body := successCallbackBody(1000)
	svc.HandleCallback(context.Background(), session.Reference, body)
	svc.HandleCallback(context.Background(), session.Reference, body)

	if len(repo.billingAdvances) != 1 {
		t.Fatalf("duplicate delivery must not double-advance the billing date, got %d advances", len(repo.billingAdvances))
	}
	if len(repo.auditRecords) != 2 {
		t.Fatalf("both deliveries must be audited, got %d records", len(repo.auditRecords))
	}
}

func TestCallbackMalformedPayloadFailsSessionButIsAudited(t *testing.T) {
	repo := newRepoStub()
	client := activeClient(5)
	repo.clients[client.ID] = client
	session := seedSession(repo, client, 1000)
	svc := newTestService(repo, &gatewayStub{}, &computeStub{}, &producerStub{})

	svc.HandleCallback(context.Background(), session.Reference, []byte("{not json"))

	if len(repo.auditRecords) != 1 {
		t.Fatalf("malformed payload must still be audited, got %d records", len(repo.auditRecords))
	}
	if repo.sessions[session.Reference].Status != domain.PaymentFailed {
		t.Fatalf("expected session failed, got %s", repo.sessions[session.Reference].Status)
	}
}

func TestCallbackUnknownReferenceIsAuditedAndDropped(t *testing.T) {
	repo := newRepoStub()
	svc := newTestService(repo, &gatewayStub{}, &computeStub{}, &producerStub{})

	svc.HandleCallback(context.Background(), "no-such-reference", successCallbackBody(1000))

	if len(repo.auditRecords) != 1 {
		t.Fatalf("unknown reference must still be audited, got %d records", len(repo.auditRecords))
	}
	if len(repo.failedSessions) != 0 {
		t.Fatalf("nothing to fail for an unknown reference, got %+v", repo.failedSessions)
	}
}

func TestCallbackStartFailureStillReactivatesClient(t *testing.T) {
	repo := newRepoStub()
	client := activeClient(-5)
	client.Status = domain.ClientSuspended
	repo.clients[client.ID] = client
	session := seedSession(repo, client, 1000)
	compute := &computeStub{outcome: computeclient.ActionUnrecognized, actionErr: errStub}
	svc := newTestService(repo, &gatewayStub{}, compute, &producerStub{})

	svc.HandleCallback(context.Background(), session.Reference, successCallbackBody(1000))

	// Payment is confirmed; the sweep never issues starts, so holding the
	// record suspended would strand the client.
	if repo.clients[client.ID].Status != domain.ClientActive {
		t.Fatalf("expected client reactivated despite start failure, got %s", repo.clients[client.ID].Status)
	}
}

func TestCallbackMissingAmountFailsSession(t *testing.T) {
	repo := newRepoStub()
	client := activeClient(5)
	repo.clients[client.ID] = client
	session := seedSession(repo, client, 1000)
	svc := newTestService(repo, &gatewayStub{}, &computeStub{}, &producerStub{})

	body := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"checkout-1","ResultCode":0,"ResultDesc":"ok","CallbackMetadata":{"Item":[{"Name":"PhoneNumber","Value":254712345678}]}}}}`)
	svc.HandleCallback(context.Background(), session.Reference, body)

	if repo.sessions[session.Reference].Status != domain.PaymentFailed {
		t.Fatalf("expected session failed when amount is missing, got %s", repo.sessions[session.Reference].Status)
	}
	if len(repo.billingAdvances) != 0 {
		t.Fatal("missing amount must not advance billing")
	}
}
