/**
 * @description
 * Domain models for the payment side of the system: the durable ledger of STK
 * push attempts, the enrichment recorded on a confirmed payment, the
 * append-only overpayment ledger, and the raw callback audit trail.
 *
 * @notes
 * - A PaymentSession is created in `initiating` before any network call so a
 *   crash mid-flow always leaves a recoverable trace. It moves to `initiated`
 *   only once the gateway accepts the push, and reaches `success`/`failed`
 *   from the asynchronous callback or an initiation-time failure. Terminal
 *   states never regress.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the lifecycle state of a payment session.
type PaymentStatus string

const (
	PaymentInitiating PaymentStatus = "initiating"
	PaymentInitiated  PaymentStatus = "initiated"
	PaymentSuccess    PaymentStatus = "success"
	PaymentFailed     PaymentStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentSuccess || s == PaymentFailed
}

// PaymentSession is the durable record of one initiated push-payment attempt.
// The Reference doubles as the gateway account reference and as the
// correlation key embedded in the callback URL.
type PaymentSession struct {
	Reference     string              `json:"reference"`
	ClientID      uuid.UUID           `json:"client_id"`
	Amount        int64               `json:"amount"` // whole KES
	Status        PaymentStatus       `json:"status"`
	PaymentDate   time.Time           `json:"payment_date"`
	UpdatedAt     time.Time           `json:"updated_at"`
	FailureReason *string             `json:"failure_reason,omitempty"`
	Transaction   *PaymentTransaction `json:"transaction,omitempty"`
}

// PaymentTransaction is the gateway-confirmed detail merged into a session on success.
type PaymentTransaction struct {
	Phone           string    `json:"phone"`
	Amount          int64     `json:"amount"`
	ReceiptNumber   string    `json:"receipt_number"`
	TransactionDate string    `json:"transaction_date"`
	CheckoutID      string    `json:"checkout_id"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// OverpaymentRecord captures one detected overpayment event. Append-only.
type OverpaymentRecord struct {
	ID          uuid.UUID `json:"id"`
	ClientID    uuid.UUID `json:"client_id"`
	Reference   string    `json:"reference"`
	AmountPaid  int64     `json:"amount_paid"`
	AmountDue   int64     `json:"amount_due"`
	Overpayment int64     `json:"overpayment"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// CallbackAuditRecord is the forensic log of every raw callback delivery,
// written regardless of whether correlation succeeded. Append-only.
type CallbackAuditRecord struct {
	ID         uuid.UUID `json:"id"`
	Reference  string    `json:"reference"`
	RawBody    []byte    `json:"raw_body"`
	ReceivedAt time.Time `json:"received_at"`
}

// InitiatePaymentRequest is the DTO for the internal payment initiation endpoint.
type InitiatePaymentRequest struct {
	ClientID uuid.UUID `json:"client_id"`
}

// InitiationResult is the structured outcome returned to the initiation caller.
// Failures are always expressed here, never as a raw error escaping the
// operation boundary.
type InitiationResult struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Reference string      `json:"reference,omitempty"`
	Details   interface{} `json:"details,omitempty"`
}
