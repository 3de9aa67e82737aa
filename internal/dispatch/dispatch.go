// Package dispatch runs the scheduling core: one independent unit per sending
// configuration, each pacing reclaim -> reserve -> lease -> execute -> commit
// around the quota tracker. Units for different configurations share no quota
// state and proceed fully in parallel; within a unit only one recipient is in
// flight at a time, because quota correctness depends on serialized
// reserve/commit around each provider call.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dripsend/dripsend/internal/configs"
	"github.com/dripsend/dripsend/internal/recipients"
)

// ErrNotStarted is returned by the manager healthcheck before Run is called.
var ErrNotStarted = errors.New("dispatch: manager not started")

// Config tunes dispatch loop timing.
// Embed this in your app config for env parsing with caarlos0/env.
type Config struct {
	// PollInterval is the idle wake-up interval of a unit.
	PollInterval time.Duration `env:"DISPATCH_POLL_INTERVAL" envDefault:"2s"`

	// LeaseTimeout is how long an in-flight lease may live before it is
	// reclaimed. Must stay longer than the executor send timeout.
	LeaseTimeout time.Duration `env:"DISPATCH_LEASE_TIMEOUT" envDefault:"5m"`

	// ReconcileInterval is how often the manager re-lists configurations to
	// start and stop units.
	ReconcileInterval time.Duration `env:"DISPATCH_RECONCILE_INTERVAL" envDefault:"30s"`

	// StorageBackoff is the unit-level wait after a storage failure.
	StorageBackoff time.Duration `env:"DISPATCH_STORAGE_BACKOFF" envDefault:"5s"`

	// MaxDeniedWait caps the quota-denied backoff so live limit edits are
	// picked up within a bounded delay even when retryAfter is long.
	MaxDeniedWait time.Duration `env:"DISPATCH_MAX_DENIED_WAIT" envDefault:"1m"`

	// MaxAttempts is the per-recipient attempt budget.
	MaxAttempts int `env:"DISPATCH_MAX_ATTEMPTS" envDefault:"3"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 5 * time.Minute
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.StorageBackoff <= 0 {
		c.StorageBackoff = 5 * time.Second
	}
	if c.MaxDeniedWait <= 0 {
		c.MaxDeniedWait = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = recipients.DefaultMaxAttempts
	}
	return c
}

// Waker lets the import layer nudge a unit when new recipients arrive, so a
// fresh import is picked up before the next poll tick.
type Waker interface {
	// Subscribe returns a channel that receives a signal whenever the
	// configuration gets new work, plus a cancel func releasing resources.
	Subscribe(ctx context.Context, configID uuid.UUID) (<-chan struct{}, func())
}

// nopWaker never wakes; units rely on the poll interval alone.
type nopWaker struct{}

func (nopWaker) Subscribe(context.Context, uuid.UUID) (<-chan struct{}, func()) {
	return nil, func() {}
}

// FollowupScheduler enqueues post-send background work (delivery
// confirmation, provider contact cleanup) after a successful commit.
// Failures are logged and never affect the committed outcome.
type FollowupScheduler interface {
	AfterSend(ctx context.Context, cfg *configs.SendingConfiguration, rcpt *recipients.Recipient, providerMessageID string) error
}

// nopFollowups skips post-send work.
type nopFollowups struct{}

func (nopFollowups) AfterSend(context.Context, *configs.SendingConfiguration, *recipients.Recipient, string) error {
	return nil
}
