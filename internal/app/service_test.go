package app

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/CarltonK/blackpaw-admin/internal/domain"
	"github.com/CarltonK/blackpaw-admin/pkg/mpesa"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "0712345678", want: "254712345678"},
		{input: "+254712345678", want: "254712345678"},
		{input: "254712345678", want: "254712345678"},
		{input: "0110000000", want: "254110000000"},
		{input: "+15551234567", want: "+15551234567"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := normalizePhone(tt.input); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestInitiatePaymentUnknownClient(t *testing.T) {
	repo := newRepoStub()
	svc := newTestService(repo, &gatewayStub{}, &computeStub{}, &producerStub{})

	result := svc.InitiatePayment(context.Background(), uuid.New())

	if result.Success {
		t.Fatal("expected failure for unknown client")
	}
	if result.Message != "Client not found" {
		t.Fatalf("unexpected message %q", result.Message)
	}
	if len(repo.createdSessions) != 0 {
		t.Fatalf("no session must exist for an unknown client, got %d", len(repo.createdSessions))
	}
}

func TestInitiatePaymentSuccess(t *testing.T) {
	repo := newRepoStub()
	client := activeClient(10)
	repo.clients[client.ID] = client
	gateway := &gatewayStub{}
	svc := newTestService(repo, gateway, &computeStub{}, &producerStub{})

	result := svc.InitiatePayment(context.Background(), client.ID)

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Message != "STK push initiated successfully" {
		t.Fatalf("unexpected message %q", result.Message)
	}
	if result.Reference == "" {
		t.Fatal("expected a session reference in the result")
	}
	session, ok := repo.sessions[result.Reference]
	if !ok {
		t.Fatalf("session %s not persisted", result.Reference)
	}
	if session.Status != domain.PaymentInitiated {
		t.Fatalf("expected session initiated, got %s", session.Status)
	}
	if session.Amount != client.Payment.Amount {
		t.Fatalf("session amount %d does not match client amount %d", session.Amount, client.Payment.Amount)
	}
}

func TestInitiatePaymentBuildsGatewayRequest(t *testing.T) {
	repo := newRepoStub()
	client := activeClient(10)
	client.Payment.Phone = "0712345678"
	repo.clients[client.ID] = client
	gateway := &gatewayStub{}
	svc := newTestService(repo, gateway, &computeStub{}, &producerStub{})

	result := svc.InitiatePayment(context.Background(), client.ID)

	if len(gateway.pushReqs) != 1 {
		t.Fatalf("expected one push request, got %d", len(gateway.pushReqs))
	}
	req := gateway.pushReqs[0]
	if req.PhoneNumber != "254712345678" || req.PartyA != "254712345678" {
		t.Fatalf("expected normalized payer number, got PhoneNumber=%s PartyA=%s", req.PhoneNumber, req.PartyA)
	}
	if req.BusinessShortCode != "174379" || req.PartyB != "174379" {
		t.Fatalf("expected shortcode as business party, got %s/%s", req.BusinessShortCode, req.PartyB)
	}
	if req.Amount != client.Payment.Amount {
		t.Fatalf("expected amount %d, got %d", client.Payment.Amount, req.Amount)
	}
	if req.AccountReference != result.Reference || req.TransactionDesc != result.Reference {
		t.Fatalf("expected the session reference in AccountReference and TransactionDesc, got %s/%s", req.AccountReference, req.TransactionDesc)
	}
	wantCallback := "https://billing.example.com/payments/callback/" + result.Reference
	if req.CallBackURL != wantCallback {
		t.Fatalf("expected callback url %s, got %s", wantCallback, req.CallBackURL)
	}
	wantPassword := mpesa.DerivePassword("174379", "passkey", req.Timestamp)
	if req.Password != wantPassword {
		t.Fatal("password must be derived from shortcode, passkey and the request timestamp")
	}
}

func TestInitiatePaymentTokenFailureFailsSession(t *testing.T) {
	repo := newRepoStub()
	client := activeClient(10)
	repo.clients[client.ID] = client
	gateway := &gatewayStub{tokenErr: errStub}
	svc := newTestService(repo, gateway, &computeStub{}, &producerStub{})

	result := svc.InitiatePayment(context.Background(), client.ID)

	if result.Success {
		t.Fatal("expected failure when token acquisition fails")
	}
	if result.Message != "Failed to get M-Pesa access token" {
		t.Fatalf("unexpected message %q", result.Message)
	}
	session := repo.sessions[result.Reference]
	if session == nil || session.Status != domain.PaymentFailed {
		t.Fatalf("expected session marked failed, got %+v", session)
	}
	if len(gateway.pushReqs) != 0 {
		t.Fatal("no push must be attempted without a token")
	}
}

func TestInitiatePaymentPushFailureSurfacesGatewayBody(t *testing.T) {
	repo := newRepoStub()
	client := activeClient(10)
	repo.clients[client.ID] = client
	gwErr := &mpesa.GatewayError{
		Status: 400,
		Body:   `{"errorCode":"400.002.02","errorMessage":"Bad Request - Invalid Timestamp"}`,
	}
	gateway := &gatewayStub{pushErr: gwErr}
	svc := newTestService(repo, gateway, &computeStub{}, &producerStub{})

	result := svc.InitiatePayment(context.Background(), client.ID)

	if result.Success {
		t.Fatal("expected failure when the push is rejected")
	}
	if result.Message != "M-Pesa STK push failed" {
		t.Fatalf("unexpected message %q", result.Message)
	}
	details, ok := result.Details.(string)
	if !ok || !strings.Contains(details, "400.002.02") {
		t.Fatalf("expected the gateway error body in details, got %+v", result.Details)
	}
	session := repo.sessions[result.Reference]
	if session == nil || session.Status != domain.PaymentFailed {
		t.Fatalf("expected session marked failed, got %+v", session)
	}
	if session.FailureReason == nil || !strings.Contains(*session.FailureReason, "stk push failed") {
		t.Fatalf("expected push failure reason on session, got %v", session.FailureReason)
	}
}

func TestProvisionInstanceAttachesVMAndOpensCycle(t *testing.T) {
	repo := newRepoStub()
	client := activeClient(0)
	client.Compute.VMID = ""
	client.NextBillingDate = nil
	repo.clients[client.ID] = client
	compute := &computeStub{createdID: "vm-200"}
	svc := newTestService(repo, &gatewayStub{}, compute, &producerStub{})

	got, err := svc.ProvisionInstance(context.Background(), client.ID, "acme-web-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Compute.VMID != "vm-200" {
		t.Fatalf("expected vm-200 attached, got %s", got.Compute.VMID)
	}
	if got.NextBillingDate == nil {
		t.Fatal("provisioning must open the first billing cycle")
	}
	if repo.attachedInstance != "vm-200" {
		t.Fatalf("expected instance persisted, got %q", repo.attachedInstance)
	}
}

func TestProvisionInstanceRejectsExistingVM(t *testing.T) {
	repo := newRepoStub()
	client := activeClient(10)
	repo.clients[client.ID] = client
	compute := &computeStub{}
	svc := newTestService(repo, &gatewayStub{}, compute, &producerStub{})

	if _, err := svc.ProvisionInstance(context.Background(), client.ID, "dup"); err == nil {
		t.Fatal("expected error for client with an existing instance")
	}
	if repo.attachedInstance != "" {
		t.Fatal("no instance must be attached")
	}
}

func TestProvisionInstanceCreateFailurePropagates(t *testing.T) {
	repo := newRepoStub()
	client := activeClient(0)
	client.Compute.VMID = ""
	repo.clients[client.ID] = client
	compute := &computeStub{createErr: errStub}
	svc := newTestService(repo, &gatewayStub{}, compute, &producerStub{})

	if _, err := svc.ProvisionInstance(context.Background(), client.ID, "acme"); err == nil {
		t.Fatal("expected create failure to propagate")
	}
	if repo.attachedInstance != "" {
		t.Fatal("failed create must not attach an instance")
	}
}
