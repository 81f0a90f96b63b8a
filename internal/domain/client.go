/**
 * @description
 * This file defines the core domain models for hosted clients. A Client is one
 * prepaid hosting customer: it carries the billing state the nightly
 * reconciliation sweeps over and the identifier of the VM the compute
 * provider manages on the client's behalf.
 *
 * @notes
 * - Amounts are stored as `int64` whole shillings. M-Pesa STK push amounts are
 *   integral KES, so there is no fractional component to carry.
 * - NextBillingDate is a pointer: it stays nil until the client is first
 *   activated, and the sweep skips clients that have never been billed.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ClientStatus is the service state of a hosted client.
type ClientStatus string

const (
	ClientActive    ClientStatus = "active"
	ClientSuspended ClientStatus = "suspended"
)

// ReminderKind names a billing reminder emitted by the sweep. The kind is
// appended to the reminder routing key, so consumers can bind per kind.
type ReminderKind string

const (
	ReminderDueSoon   ReminderKind = "due_in_3_days"
	ReminderDueToday  ReminderKind = "due_today"
	ReminderFinal     ReminderKind = "overdue_final"
	ReminderSuspended ReminderKind = "suspended"
)

// Client represents one prepaid hosting customer.
// This struct maps directly to the `clients` table in the database.
type Client struct {
	ID              uuid.UUID    `json:"id"`
	Name            string       `json:"name"`
	Status          ClientStatus `json:"status"`
	NextBillingDate *time.Time   `json:"next_billing_date,omitempty"`
	Payment         PaymentInfo  `json:"payment"`
	Compute         ComputeInfo  `json:"compute"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// PaymentInfo holds the recurring amount due and the payer's mobile number.
type PaymentInfo struct {
	Amount int64  `json:"amount"` // whole KES
	Phone  string `json:"phone"`
}

// ComputeInfo holds the provisioned instance identifier at the compute provider.
type ComputeInfo struct {
	VMID string `json:"vm_id"`
}

// ProvisionRequest is the DTO for the internal instance provisioning endpoint.
type ProvisionRequest struct {
	ClientID    uuid.UUID `json:"client_id"`
	DisplayName string    `json:"display_name"`
}
