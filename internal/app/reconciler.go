/**
 * @description
 * The billing reconciler: the clock-driven half of the billing core. On each
 * sweep it walks every client record, computes the day offset from the next
 * billing date, and applies the reminder/suspension policy.
 *
 * The policy is an explicit ordered rule list with a documented tie-break:
 * the overdue final reminder precedes the suspension rule, so a client that
 * is exactly two days overdue gets the final reminder and is suspended only
 * from day three. First match wins; the branches are not cumulative.
 */

package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/CarltonK/blackpaw-admin/internal/domain"
	"github.com/CarltonK/blackpaw-admin/internal/store"
	"github.com/CarltonK/blackpaw-admin/pkg/computeclient"
	"github.com/CarltonK/blackpaw-admin/pkg/rabbitmq"
)

// Reconciler runs the scheduled billing sweep.
type Reconciler struct {
	repo     store.Repository
	compute  ComputeController
	producer rabbitmq.Publisher
	logger   *slog.Logger
	rules    []sweepRule
}

// NewReconciler creates a new sweep runner.
func NewReconciler(repo store.Repository, compute ComputeController, producer rabbitmq.Publisher, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		repo:     repo,
		compute:  compute,
		producer: producer,
		logger:   logger,
		rules:    defaultSweepRules(),
	}
}

// sweepRule is one entry in the ordered billing policy. Rules are evaluated
// in slice order and the first match wins.
type sweepRule struct {
	name    string
	matches func(daysDiff int, status domain.ClientStatus) bool
	apply   func(ctx context.Context, r *Reconciler, client *domain.Client, daysDiff int) error
}

// defaultSweepRules returns the billing policy in evaluation order. The
// overdue-final-reminder rule deliberately precedes suspension: both match at
// daysDiff == 2, and the reminder wins the tie.
func defaultSweepRules() []sweepRule {
	return []sweepRule{
		{
			name: "due_in_3_days",
			matches: func(daysDiff int, _ domain.ClientStatus) bool {
				return daysDiff == -3
			},
			apply: func(ctx context.Context, r *Reconciler, client *domain.Client, daysDiff int) error {
				return r.publishReminder(ctx, client, string(domain.ReminderDueSoon), "Reminder: Your payment is due in 3 days.", daysDiff)
			},
		},
		{
			name: "due_today",
			matches: func(daysDiff int, _ domain.ClientStatus) bool {
				return daysDiff == 0
			},
			apply: func(ctx context.Context, r *Reconciler, client *domain.Client, daysDiff int) error {
				return r.publishReminder(ctx, client, string(domain.ReminderDueToday), "Reminder: Your payment is due today.", daysDiff)
			},
		},
		{
			name: "overdue_final",
			matches: func(daysDiff int, _ domain.ClientStatus) bool {
				return daysDiff == 2
			},
			apply: func(ctx context.Context, r *Reconciler, client *domain.Client, daysDiff int) error {
				return r.publishReminder(ctx, client, string(domain.ReminderFinal), "Final Reminder: Your payment is 2 days overdue.", daysDiff)
			},
		},
		{
			name: "suspend",
			matches: func(daysDiff int, status domain.ClientStatus) bool {
				return daysDiff >= 2 && status == domain.ClientActive
			},
			apply: func(ctx context.Context, r *Reconciler, client *domain.Client, daysDiff int) error {
				return r.suspendClient(ctx, client, daysDiff)
			},
		},
	}
}

// RunBillingSweep reconciles every client's billing date against its service
// state. Invoked by the cron scheduler; takes no input and returns nothing.
func (r *Reconciler) RunBillingSweep() {
	ctx := context.Background()
	today := time.Now().UTC()

	r.logger.Info("starting billing sweep")
	clients, err := r.repo.ListClients(ctx)
	if err != nil {
		r.logger.Error("failed to list clients", "error", err)
		return
	}

	for i := range clients {
		client := &clients[i]
		if err := r.sweepClient(ctx, client, today); err != nil {
			// One client's failure must not abort the sweep for the rest.
			r.logger.Error("client sweep failed", "client_id", client.ID, "error", err)
		}
	}

	r.logger.Info("billing sweep finished", "clients", len(clients))
}

// sweepClient applies the billing policy to one client. Panics are contained
// here so a single bad record cannot take down the whole sweep.
func (r *Reconciler) sweepClient(ctx context.Context, client *domain.Client, today time.Time) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic sweeping client %s: %v", client.ID, rec)
		}
	}()

	r.logger.Info("checking payment status", "client_id", client.ID, "name", client.Name)

	if client.NextBillingDate == nil {
		r.logger.Info("skipping client: next billing date not set", "client_id", client.ID)
		return nil
	}

	daysDiff := daysBetween(*client.NextBillingDate, today)
	for _, rule := range r.rules {
		if rule.matches(daysDiff, client.Status) {
			r.logger.Info("policy rule matched", "client_id", client.ID, "rule", rule.name, "days_diff", daysDiff)
			return rule.apply(ctx, r, client, daysDiff)
		}
	}

	r.logger.Info("no policy action", "client_id", client.ID, "days_diff", daysDiff)
	return nil
}

// daysBetween returns the whole calendar days from the billing date to today,
// truncating both instants to UTC dates first. Negative while the billing
// date is still ahead.
func daysBetween(from, to time.Time) int {
	fromDay := truncateToDay(from)
	toDay := truncateToDay(to)
	return int(toDay.Sub(fromDay).Hours() / 24)
}

func truncateToDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// publishReminder emits a reminder event for the notification consumer.
func (r *Reconciler) publishReminder(ctx context.Context, client *domain.Client, kind, message string, daysDiff int) error {
	event := rabbitmq.ReminderEvent{
		ClientID:  client.ID,
		Kind:      kind,
		Message:   message,
		DaysDiff:  daysDiff,
		Timestamp: time.Now().UTC(),
	}
	if err := r.producer.PublishReminderEvent(ctx, event); err != nil {
		return fmt.Errorf("publish %s reminder for client %s: %w", kind, client.ID, err)
	}
	return nil
}

// suspendClient stops the client's VM and marks the record suspended. The
// stop action is idempotent at the provider: "already stopped" counts as
// success. An unrecognized failure leaves the client active so the next
// sweep retries instead of stranding a running VM behind a suspended record.
func (r *Reconciler) suspendClient(ctx context.Context, client *domain.Client, daysDiff int) error {
	outcome, err := r.compute.PerformAction(ctx, client.Compute.VMID, computeclient.ActionStop)
	if outcome == computeclient.ActionUnrecognized {
		return fmt.Errorf("stop instance %s: %w", client.Compute.VMID, err)
	}

	if err := r.repo.UpdateClientStatus(ctx, client.ID, domain.ClientSuspended); err != nil {
		return fmt.Errorf("mark client %s suspended: %w", client.ID, err)
	}
	r.logger.Info("service suspended for non-payment", "client_id", client.ID, "vm_id", client.Compute.VMID, "days_overdue", daysDiff)

	if err := r.publishReminder(ctx, client, string(domain.ReminderSuspended), "Your service has been suspended due to non-payment.", daysDiff); err != nil {
		r.logger.Error("failed to publish suspension notice", "client_id", client.ID, "error", err)
	}
	return nil
}
