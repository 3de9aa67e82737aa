package recipients

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dripsend/dripsend/pkg/mailer"
)

// Store persists recipients. All mutating operations are atomic at the row
// level: LeaseOldestPending performs the Pending->InFlight transition as a
// single conditional update, and CommitLease only matches rows still holding
// the given token in InFlight state.
type Store interface {
	// LeaseOldestPending atomically claims the front Pending recipient for
	// the configuration (FIFO by queued position), moving it to InFlight
	// with the given token and timestamp and incrementing its attempt
	// counter. Returns ErrQueueEmpty when nothing is Pending.
	LeaseOldestPending(ctx context.Context, configID, token uuid.UUID, now time.Time) (*Recipient, error)

	// FindByLease returns the InFlight recipient holding the token.
	// Returns ErrLeaseNotFound when no such lease exists.
	FindByLease(ctx context.Context, token uuid.UUID) (*Recipient, error)

	// CommitLease moves the recipient holding the token from InFlight into
	// the target state, clearing the lease and recording outcome metadata.
	// A commit back to Pending resets the queued position to the tail.
	// Returns false when the token no longer matches an InFlight row.
	CommitLease(ctx context.Context, token uuid.UUID, to State, upd CommitUpdate, now time.Time) (bool, error)

	// ReclaimExpired reverts InFlight recipients whose lease started before
	// the cutoff back to Pending, clearing their tokens. Returns how many
	// rows were reclaimed.
	ReclaimExpired(ctx context.Context, configID uuid.UUID, cutoff, now time.Time) (int, error)

	// CountByState returns recipient counts per state for a configuration.
	CountByState(ctx context.Context, configID uuid.UUID) (map[State]int, error)

	// SetDeliveryStatus records a provider delivery event ("delivered",
	// "bounced", ...) on the recipient that was sent with the message id.
	SetDeliveryStatus(ctx context.Context, providerMessageID, status string, now time.Time) error

	// DeleteTerminalBefore removes Sent/Failed recipients last updated
	// before the cutoff. Returns how many rows were removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CommitUpdate carries outcome metadata written together with a state change.
type CommitUpdate struct {
	LastError         string
	ProviderMessageID string
}

// Queue coordinates leases and commits over a Store and owns the retry
// budget: transient failures requeue until the attempt budget is spent.
type Queue struct {
	store       Store
	maxAttempts int
	now         func() time.Time
}

// DefaultMaxAttempts is the per-recipient attempt budget when none is set.
const DefaultMaxAttempts = 3

// NewQueue creates a queue over the store with the given attempt budget.
// Non-positive maxAttempts falls back to DefaultMaxAttempts.
func NewQueue(store Store, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{store: store, maxAttempts: maxAttempts, now: time.Now}
}

// Lease claims the oldest Pending recipient for the configuration.
// Returns ErrQueueEmpty when nothing is pending.
func (q *Queue) Lease(ctx context.Context, configID uuid.UUID) (*Recipient, error) {
	token := uuid.New()
	rcpt, err := q.store.LeaseOldestPending(ctx, configID, token, q.now())
	if err != nil {
		if errors.Is(err, ErrQueueEmpty) {
			return nil, err
		}
		return nil, errors.Join(ErrStore, err)
	}
	return rcpt, nil
}

// CommitSent finalizes a successful attempt: InFlight -> Sent with the
// provider message id recorded. A stale or reused token is rejected with
// ErrLeaseNotFound, making duplicate commits a no-op for state.
func (q *Queue) CommitSent(ctx context.Context, token uuid.UUID, providerMessageID string) error {
	return q.commit(ctx, token, StateSent, CommitUpdate{ProviderMessageID: providerMessageID})
}

// CommitFailed records a failed attempt. Transient failures with remaining
// attempt budget requeue the recipient to Pending (attempt counter already
// incremented at lease time); permanent failures and exhausted budgets become
// terminal Failed with the last failure reason retained.
func (q *Queue) CommitFailed(ctx context.Context, token uuid.UUID, kind mailer.FailureKind, detail string) error {
	rcpt, err := q.store.FindByLease(ctx, token)
	if err != nil {
		if errors.Is(err, ErrLeaseNotFound) {
			return err
		}
		return errors.Join(ErrStore, err)
	}

	target := StateFailed
	if kind == mailer.FailureTransient && rcpt.Attempts < q.maxAttempts {
		target = StatePending
	}

	return q.commit(ctx, token, target, CommitUpdate{LastError: detail})
}

func (q *Queue) commit(ctx context.Context, token uuid.UUID, to State, upd CommitUpdate) error {
	if !CanTransition(StateInFlight, to) {
		return ErrInvalidTransition
	}

	ok, err := q.store.CommitLease(ctx, token, to, upd, q.now())
	if err != nil {
		return errors.Join(ErrStore, err)
	}
	if !ok {
		return ErrLeaseNotFound
	}
	return nil
}

// ReclaimExpired reverts leases older than the timeout to Pending so a
// crashed worker's in-flight recipients get retried instead of sticking
// forever. Called at the top of every dispatch cycle.
func (q *Queue) ReclaimExpired(ctx context.Context, configID uuid.UUID, leaseTimeout time.Duration) (int, error) {
	now := q.now()
	n, err := q.store.ReclaimExpired(ctx, configID, now.Add(-leaseTimeout), now)
	if err != nil {
		return 0, errors.Join(ErrStore, err)
	}
	return n, nil
}

// Stats returns recipient counts by state for dashboard polling.
func (q *Queue) Stats(ctx context.Context, configID uuid.UUID) (map[State]int, error) {
	counts, err := q.store.CountByState(ctx, configID)
	if err != nil {
		return nil, errors.Join(ErrStore, err)
	}
	return counts, nil
}
