package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/dripsend/dripsend/internal/configs"
)

// EventsFactory builds a delivery-event reader for a configuration.
type EventsFactory func(cfg *configs.SendingConfiguration) EventsReader

// EventsReader reports provider-side events observed for a sent message.
type EventsReader interface {
	MessageEvents(ctx context.Context, messageID string) ([]string, error)
}

// ContactsFactory builds a contact directory for a configuration.
type ContactsFactory func(cfg *configs.SendingConfiguration) ContactDirectory

// ContactDirectory removes provider-side contact records after dispatch.
type ContactDirectory interface {
	DeleteContact(ctx context.Context, email string) error
}

// Delivery statuses recorded on recipients. Anything outside the delivered
// set counts as a bounce for reporting purposes.
const (
	StatusDelivered   = "delivered"
	StatusBounced     = "bounced"
	StatusUnconfirmed = "unconfirmed"
)

var bounceEvents = []string{"bounced", "error", "soft_bounce", "hard_bounce", "blocked", "spam"}

type confirmDeliveryArgs struct {
	ConfigID          uuid.UUID `json:"config_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	RecipientEmail    string    `json:"recipient_email"`
}

func (confirmDeliveryArgs) Kind() string { return "confirm_delivery" }

// confirmDeliveryWorker polls the provider for delivery events and records
// the outcome on the recipient. While the provider reports nothing
// definitive, the job snoozes; the final attempt records "unconfirmed".
type confirmDeliveryWorker struct {
	river.WorkerDefaults[confirmDeliveryArgs]
	cfg  Config
	deps Deps
}

func (w *confirmDeliveryWorker) Work(ctx context.Context, job *river.Job[confirmDeliveryArgs]) error {
	if w.deps.Events == nil {
		return nil
	}

	cfg, err := w.deps.Provider.Get(ctx, job.Args.ConfigID)
	if err != nil {
		if errors.Is(err, configs.ErrNotConfigured) {
			// Configuration removed after the send; nothing left to confirm.
			return nil
		}
		return fmt.Errorf("jobs: read configuration: %w", err)
	}

	names, err := w.deps.Events(cfg).MessageEvents(ctx, job.Args.ProviderMessageID)
	if err != nil {
		return fmt.Errorf("jobs: fetch message events: %w", err)
	}

	status := ""
	switch {
	case slices.Contains(names, "delivered"):
		status = StatusDelivered
	case slices.ContainsFunc(names, func(n string) bool { return slices.Contains(bounceEvents, n) }):
		status = StatusBounced
	case job.Attempt >= job.MaxAttempts:
		status = StatusUnconfirmed
	default:
		return river.JobSnooze(w.cfg.ConfirmSnooze)
	}

	if err := w.deps.Store.SetDeliveryStatus(ctx, job.Args.ProviderMessageID, status, time.Now()); err != nil {
		return fmt.Errorf("jobs: record delivery status: %w", err)
	}

	w.deps.Logger.InfoContext(ctx, "delivery status recorded",
		slog.String("config_id", job.Args.ConfigID.String()),
		slog.String("provider_message_id", job.Args.ProviderMessageID),
		slog.String("status", status))

	// Once the outcome is known the provider-side contact record is no
	// longer needed.
	if w.deps.Contacts != nil {
		client, err := river.ClientFromContextSafely[pgx.Tx](ctx)
		if err == nil {
			_, err = client.Insert(ctx, cleanupContactArgs{
				ConfigID: job.Args.ConfigID,
				Email:    job.Args.RecipientEmail,
			}, nil)
		}
		if err != nil {
			w.deps.Logger.WarnContext(ctx, "enqueue contact cleanup failed",
				slog.Any("error", err))
		}
	}

	return nil
}

type cleanupContactArgs struct {
	ConfigID uuid.UUID `json:"config_id"`
	Email    string    `json:"email"`
}

func (cleanupContactArgs) Kind() string { return "cleanup_contact" }

// cleanupContactWorker deletes the provider-side contact created for a
// dispatch. Missing contacts are treated as success.
type cleanupContactWorker struct {
	river.WorkerDefaults[cleanupContactArgs]
	deps Deps
}

func (w *cleanupContactWorker) Work(ctx context.Context, job *river.Job[cleanupContactArgs]) error {
	if w.deps.Contacts == nil {
		return nil
	}

	cfg, err := w.deps.Provider.Get(ctx, job.Args.ConfigID)
	if err != nil {
		if errors.Is(err, configs.ErrNotConfigured) {
			return nil
		}
		return fmt.Errorf("jobs: read configuration: %w", err)
	}

	if err := w.deps.Contacts(cfg).DeleteContact(ctx, job.Args.Email); err != nil {
		return fmt.Errorf("jobs: delete contact: %w", err)
	}
	return nil
}

type sweepArgs struct{}

func (sweepArgs) Kind() string { return "sweep_terminal" }

// sweepWorker removes Sent/Failed recipients older than the retention window.
type sweepWorker struct {
	river.WorkerDefaults[sweepArgs]
	cfg  Config
	deps Deps
}

func (w *sweepWorker) Work(ctx context.Context, _ *river.Job[sweepArgs]) error {
	cutoff := time.Now().Add(-w.cfg.SweepRetention)
	removed, err := w.deps.Store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("jobs: sweep terminal recipients: %w", err)
	}
	if removed > 0 {
		w.deps.Logger.InfoContext(ctx, "swept terminal recipients",
			slog.Int64("removed", removed))
	}
	return nil
}
