package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dripsend/dripsend/internal/configs"
	"github.com/dripsend/dripsend/internal/events"
	"github.com/dripsend/dripsend/internal/executor"
	"github.com/dripsend/dripsend/internal/logging"
	"github.com/dripsend/dripsend/internal/quota"
	"github.com/dripsend/dripsend/internal/recipients"
)

// unit is the scheduling loop for one sending configuration. Cycles are
// strictly sequential; the returned wait of each cycle is the only pacing.
type unit struct {
	cfg      Config
	deps     Deps
	configID uuid.UUID

	// unconfigured suppresses repeated operator warnings while the
	// configuration stays unresolved.
	unconfigured bool
}

func (u *unit) run(ctx context.Context) {
	// Stamp the context so the logger's extractor tags every line from this
	// unit with its configuration id.
	ctx = logging.WithConfigID(ctx, u.configID)
	log := u.deps.Logger

	wake, cancelWake := u.deps.Waker.Subscribe(ctx, u.configID)
	defer cancelWake()

	var wait time.Duration
	for {
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			case <-wake:
				timer.Stop()
			}
		} else if ctx.Err() != nil {
			return
		}
		wait = u.cycle(ctx, log)
	}
}

// cycle runs one pass of the dispatch state machine and returns how long to
// wait before the next pass. Zero means proceed immediately: pacing is the
// quota tracker's job, not the loop's.
func (u *unit) cycle(ctx context.Context, log *slog.Logger) time.Duration {
	started := time.Now()
	defer func() {
		u.deps.Metrics.ObserveCycle(time.Since(started))
	}()

	// Reclaim leases a crashed or hung worker left behind before leasing.
	reclaimed, err := u.deps.Queue.ReclaimExpired(ctx, u.configID, u.cfg.LeaseTimeout)
	if err != nil {
		log.ErrorContext(ctx, "lease reclaim failed", slog.Any("error", err))
		return u.cfg.StorageBackoff
	}
	if reclaimed > 0 {
		log.WarnContext(ctx, "reclaimed expired leases", slog.Int("count", reclaimed))
		u.deps.Metrics.Reclaimed(u.configID.String(), reclaimed)
		u.emit(ctx, log, events.Event{
			Type:     events.TypeReclaimed,
			ConfigID: u.configID,
			Detail:   "expired leases reverted to pending",
			At:       time.Now(),
		})
	}

	// Re-read the configuration each cycle so live limit edits apply.
	cfg, err := u.deps.Provider.Get(ctx, u.configID)
	if err != nil {
		if errors.Is(err, configs.ErrNotConfigured) {
			if !u.unconfigured {
				log.WarnContext(ctx, "configuration missing or incomplete, unit idle")
				u.unconfigured = true
			}
			return u.cfg.PollInterval * 5
		}
		log.ErrorContext(ctx, "read configuration failed", slog.Any("error", err))
		return u.cfg.StorageBackoff
	}
	u.unconfigured = false

	limits := quota.Limits{Hourly: cfg.HourlyLimit, Daily: cfg.DailyLimit}
	if err := u.deps.Tracker.TryReserve(ctx, u.configID, limits); err != nil {
		var denied *quota.DeniedError
		if errors.As(err, &denied) {
			u.deps.Metrics.Denied(u.configID.String())
			u.emit(ctx, log, events.Event{
				Type:     events.TypeDenied,
				ConfigID: u.configID,
				Detail:   denied.Error(),
				At:       time.Now(),
			})
			return clamp(denied.RetryAfter, u.cfg.PollInterval, u.cfg.MaxDeniedWait)
		}
		log.ErrorContext(ctx, "quota reserve failed", slog.Any("error", err))
		return u.cfg.StorageBackoff
	}

	rcpt, err := u.deps.Queue.Lease(ctx, u.configID)
	if err != nil {
		// The reservation never produced a send; give the slot back.
		u.release(ctx, log)
		if errors.Is(err, recipients.ErrQueueEmpty) {
			return u.cfg.PollInterval
		}
		log.ErrorContext(ctx, "lease failed", slog.Any("error", err))
		return u.cfg.StorageBackoff
	}

	// Shutdown must not abort an attempt that already holds a reservation:
	// the provider call is bounded by the executor's send timeout instead.
	attemptCtx := context.WithoutCancel(ctx)
	res := u.deps.Executor.Execute(attemptCtx, rcpt, cfg)

	switch res.Status {
	case executor.StatusRenderFailed:
		// No network call happened, so the quota slot is unused.
		u.release(attemptCtx, log)
		if err := u.deps.Queue.CommitFailed(attemptCtx, rcpt.LeaseToken, res.Kind, res.Detail); err != nil {
			log.ErrorContext(ctx, "commit failed outcome", slog.Any("error", err))
			return u.cfg.StorageBackoff
		}
		u.deps.Metrics.Failed(u.configID.String(), string(res.Kind))
		u.emit(ctx, log, events.Event{
			Type: events.TypeFailed, ConfigID: u.configID, RecipientID: rcpt.ID,
			Detail: res.Detail, At: time.Now(),
		})

	case executor.StatusSendFailed:
		// The attempt reached (or tried to reach) the provider: the quota
		// slot stays consumed.
		if err := u.deps.Queue.CommitFailed(attemptCtx, rcpt.LeaseToken, res.Kind, res.Detail); err != nil {
			log.ErrorContext(ctx, "commit failed outcome", slog.Any("error", err))
			return u.cfg.StorageBackoff
		}
		log.WarnContext(ctx, "send attempt failed",
			slog.String("recipient_id", rcpt.ID.String()),
			slog.String("kind", string(res.Kind)),
			slog.Int("attempt", rcpt.Attempts))
		u.deps.Metrics.Failed(u.configID.String(), string(res.Kind))
		u.emit(ctx, log, events.Event{
			Type: events.TypeFailed, ConfigID: u.configID, RecipientID: rcpt.ID,
			Detail: res.Detail, At: time.Now(),
		})

	case executor.StatusSent:
		if err := u.deps.Queue.CommitSent(attemptCtx, rcpt.LeaseToken, res.ProviderMessageID); err != nil {
			// The lease stays in flight and will be reclaimed; the send may
			// repeat, which at-least-once delivery permits.
			log.ErrorContext(ctx, "commit sent outcome", slog.Any("error", err))
			return u.cfg.StorageBackoff
		}
		log.InfoContext(ctx, "email sent",
			slog.String("recipient_id", rcpt.ID.String()),
			slog.String("provider_message_id", res.ProviderMessageID))
		u.deps.Metrics.Sent(u.configID.String())
		if err := u.deps.Followups.AfterSend(attemptCtx, cfg, rcpt, res.ProviderMessageID); err != nil {
			log.WarnContext(ctx, "schedule post-send work failed", slog.Any("error", err))
		}
		u.emit(ctx, log, events.Event{
			Type: events.TypeSent, ConfigID: u.configID, RecipientID: rcpt.ID,
			Detail: res.ProviderMessageID, At: time.Now(),
		})
	}

	return 0
}

func (u *unit) release(ctx context.Context, log *slog.Logger) {
	if err := u.deps.Tracker.Release(ctx, u.configID); err != nil {
		log.ErrorContext(ctx, "quota release failed", slog.Any("error", err))
	}
}

func (u *unit) emit(ctx context.Context, log *slog.Logger, ev events.Event) {
	if err := u.deps.Sink.Emit(ctx, ev); err != nil {
		log.WarnContext(ctx, "emit event failed", slog.Any("error", err))
	}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
