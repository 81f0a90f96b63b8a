/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL needed for the clients table, the
 * payment session ledger, and the two append-only ledgers (overpayments and
 * callback audit).
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CarltonK/blackpaw-admin/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ListClients returns every hosted client. The sweep iterates the full set;
// the table is one row per hosted service, so no pagination is needed.
func (r *PostgresRepository) ListClients(ctx context.Context) ([]domain.Client, error) {
	query := `
		SELECT id, name, status, next_billing_date, payment_amount, payment_phone, vm_id, created_at, updated_at
		FROM clients
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []domain.Client
	for rows.Next() {
		var c domain.Client
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Status, &c.NextBillingDate,
			&c.Payment.Amount, &c.Payment.Phone, &c.Compute.VMID,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// FindClientByID retrieves a client by its id.
func (r *PostgresRepository) FindClientByID(ctx context.Context, clientID uuid.UUID) (*domain.Client, error) {
	var c domain.Client
	query := `
		SELECT id, name, status, next_billing_date, payment_amount, payment_phone, vm_id, created_at, updated_at
		FROM clients
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, clientID).Scan(
		&c.ID, &c.Name, &c.Status, &c.NextBillingDate,
		&c.Payment.Amount, &c.Payment.Phone, &c.Compute.VMID,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	return &c, nil
}

// UpdateClientStatus sets the client's service status.
func (r *PostgresRepository) UpdateClientStatus(ctx context.Context, clientID uuid.UUID, status domain.ClientStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE clients SET status = $2, updated_at = NOW() WHERE id = $1`,
		clientID, status,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClientNotFound
	}
	return nil
}

// ReactivateClient clears the suspended status and advances the billing date
// in one statement.
func (r *PostgresRepository) ReactivateClient(ctx context.Context, clientID uuid.UUID, nextBillingDate time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE clients SET status = 'active', next_billing_date = $2, updated_at = NOW() WHERE id = $1`,
		clientID, nextBillingDate,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClientNotFound
	}
	return nil
}

// AdvanceBillingDate moves the next billing date without touching the status.
func (r *PostgresRepository) AdvanceBillingDate(ctx context.Context, clientID uuid.UUID, nextBillingDate time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE clients SET next_billing_date = $2, updated_at = NOW() WHERE id = $1`,
		clientID, nextBillingDate,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClientNotFound
	}
	return nil
}

// AttachInstance records the provisioned VM on the client and starts its
// first billing cycle.
func (r *PostgresRepository) AttachInstance(ctx context.Context, clientID uuid.UUID, vmID string, nextBillingDate time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE clients SET vm_id = $2, status = 'active', next_billing_date = $3, updated_at = NOW() WHERE id = $1`,
		clientID, vmID, nextBillingDate,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClientNotFound
	}
	return nil
}

// CreatePaymentSession inserts the durable record of intent for one push
// attempt. The row exists before any network call is made.
func (r *PostgresRepository) CreatePaymentSession(ctx context.Context, session *domain.PaymentSession) error {
	query := `
		INSERT INTO payment_sessions (reference, client_id, amount, status, payment_date, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`
	_, err := r.db.Exec(ctx, query,
		session.Reference, session.ClientID, session.Amount, session.Status, session.PaymentDate,
	)
	return err
}

// FindSessionByReference retrieves a payment session by its reference.
func (r *PostgresRepository) FindSessionByReference(ctx context.Context, reference string) (*domain.PaymentSession, error) {
	var s domain.PaymentSession
	var txPhone, txReceipt, txDate, txCheckout *string
	var txAmount *int64
	var txRecordedAt *time.Time
	query := `
		SELECT reference, client_id, amount, status, payment_date, updated_at, failure_reason,
		       tx_phone, tx_amount, tx_receipt_number, tx_transaction_date, tx_checkout_id, tx_recorded_at
		FROM payment_sessions
		WHERE reference = $1
	`
	err := r.db.QueryRow(ctx, query, reference).Scan(
		&s.Reference, &s.ClientID, &s.Amount, &s.Status, &s.PaymentDate, &s.UpdatedAt, &s.FailureReason,
		&txPhone, &txAmount, &txReceipt, &txDate, &txCheckout, &txRecordedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if txReceipt != nil {
		s.Transaction = &domain.PaymentTransaction{
			ReceiptNumber: *txReceipt,
		}
		if txPhone != nil {
			s.Transaction.Phone = *txPhone
		}
		if txAmount != nil {
			s.Transaction.Amount = *txAmount
		}
		if txDate != nil {
			s.Transaction.TransactionDate = *txDate
		}
		if txCheckout != nil {
			s.Transaction.CheckoutID = *txCheckout
		}
		if txRecordedAt != nil {
			s.Transaction.RecordedAt = *txRecordedAt
		}
	}
	return &s, nil
}

// MarkSessionInitiated records that the gateway accepted the push request.
// The transition is guarded so a late acceptance can never resurrect a
// session the callback already finalized.
func (r *PostgresRepository) MarkSessionInitiated(ctx context.Context, reference string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE payment_sessions SET status = 'initiated', updated_at = NOW()
		 WHERE reference = $1 AND status = 'initiating'`,
		reference,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// MarkSessionFailed moves a non-terminal session to `failed` with a reason.
func (r *PostgresRepository) MarkSessionFailed(ctx context.Context, reference string, failureReason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE payment_sessions SET status = 'failed', failure_reason = $2, updated_at = NOW()
		 WHERE reference = $1 AND status NOT IN ('success', 'failed')`,
		reference, failureReason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CompleteSession conditionally transitions the session to `success` and
// merges the gateway transaction detail. Returns false when the session was
// already terminal, which signals a duplicate callback delivery.
func (r *PostgresRepository) CompleteSession(ctx context.Context, reference string, tx domain.PaymentTransaction) (bool, error) {
	query := `
		UPDATE payment_sessions
		SET status = 'success',
		    tx_phone = $2, tx_amount = $3, tx_receipt_number = $4,
		    tx_transaction_date = $5, tx_checkout_id = $6, tx_recorded_at = NOW(),
		    updated_at = NOW()
		WHERE reference = $1 AND status NOT IN ('success', 'failed')
	`
	tag, err := r.db.Exec(ctx, query,
		reference, tx.Phone, tx.Amount, tx.ReceiptNumber, tx.TransactionDate, tx.CheckoutID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AppendOverpayment inserts one overpayment ledger row. Never updated.
func (r *PostgresRepository) AppendOverpayment(ctx context.Context, record *domain.OverpaymentRecord) error {
	query := `
		INSERT INTO overpayments (id, client_id, reference, amount_paid, amount_due, overpayment, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	_, err := r.db.Exec(ctx, query,
		record.ID, record.ClientID, record.Reference,
		record.AmountPaid, record.AmountDue, record.Overpayment,
	)
	return err
}

// AppendCallbackAudit inserts one raw callback delivery. Never updated.
func (r *PostgresRepository) AppendCallbackAudit(ctx context.Context, record *domain.CallbackAuditRecord) error {
	query := `
		INSERT INTO callback_audit (id, reference, raw_body, received_at)
		VALUES ($1, $2, $3, NOW())
	`
	_, err := r.db.Exec(ctx, query, record.ID, record.Reference, record.RawBody)
	return err
}
