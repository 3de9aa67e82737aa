// Package jobs runs post-send background work on River: delivery
// confirmation polling against the provider, contact cleanup, and the
// periodic sweep of terminal recipients.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/robfig/cron/v3"

	"github.com/dripsend/dripsend/internal/configs"
	"github.com/dripsend/dripsend/internal/postgres"
	"github.com/dripsend/dripsend/internal/recipients"
)

var (
	ErrPoolRequired   = errors.New("jobs: pool is required")
	ErrAlreadyStarted = errors.New("jobs: already started")
	ErrNotStarted     = errors.New("jobs: not started")
)

// Config tunes background job processing.
// Embed this in your app config for env parsing with caarlos0/env.
type Config struct {
	// MaxWorkers bounds concurrent job execution.
	MaxWorkers int `env:"JOBS_MAX_WORKERS" envDefault:"10"`

	// ConfirmDelay is how long after a send the first delivery-status poll
	// runs. Providers rarely report within the first seconds.
	ConfirmDelay time.Duration `env:"JOBS_CONFIRM_DELAY" envDefault:"2m"`

	// ConfirmMaxAttempts bounds delivery-status polling per message.
	ConfirmMaxAttempts int `env:"JOBS_CONFIRM_MAX_ATTEMPTS" envDefault:"10"`

	// ConfirmSnooze is the wait between polls while the provider still
	// reports nothing definitive.
	ConfirmSnooze time.Duration `env:"JOBS_CONFIRM_SNOOZE" envDefault:"5m"`

	// SweepSchedule is the cron expression for the terminal-recipient sweep.
	SweepSchedule string `env:"JOBS_SWEEP_SCHEDULE" envDefault:"0 3 * * *"`

	// SweepRetention is how long Sent/Failed recipients are kept before the
	// sweep removes them.
	SweepRetention time.Duration `env:"JOBS_SWEEP_RETENTION" envDefault:"720h"`
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 10
	}
	if c.ConfirmDelay <= 0 {
		c.ConfirmDelay = 2 * time.Minute
	}
	if c.ConfirmMaxAttempts <= 0 {
		c.ConfirmMaxAttempts = 10
	}
	if c.ConfirmSnooze <= 0 {
		c.ConfirmSnooze = 5 * time.Minute
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "0 3 * * *"
	}
	if c.SweepRetention <= 0 {
		c.SweepRetention = 30 * 24 * time.Hour
	}
	return c
}

// Deps bundles the collaborators the workers need.
type Deps struct {
	Provider configs.Provider
	Store    recipients.Store

	// Events builds a delivery-event reader for a configuration. May be nil
	// when the provider offers no event API; confirmation jobs then complete
	// immediately.
	Events EventsFactory

	// Contacts builds a contact directory for a configuration. May be nil.
	Contacts ContactsFactory

	Logger *slog.Logger
}

// Manager owns the River client, its workers, and the periodic sweep.
type Manager struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewManager creates a manager with all workers registered. The client is
// created immediately so jobs can be enqueued before Start.
func NewManager(pool *pgxpool.Pool, cfg Config, deps Deps) (*Manager, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &confirmDeliveryWorker{cfg: cfg, deps: deps})
	river.AddWorker(workers, &cleanupContactWorker{deps: deps})
	river.AddWorker(workers, &sweepWorker{cfg: cfg, deps: deps})

	sweepSchedule, err := parseCronSchedule(cfg.SweepSchedule)
	if err != nil {
		return nil, fmt.Errorf("jobs: invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				sweepSchedule,
				func() (river.JobArgs, *river.InsertOpts) {
					return sweepArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: false},
			),
		},
		Logger: deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: create client: %w", err)
	}

	return &Manager{client: client, pool: pool, cfg: cfg, logger: deps.Logger}, nil
}

// Start begins processing jobs.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	if err := m.client.Start(ctx); err != nil {
		return fmt.Errorf("jobs: start client: %w", err)
	}
	m.started = true
	m.logger.Info("job manager started")
	return nil
}

// Stop drains workers and shuts the client down.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrNotStarted
	}
	if err := m.client.Stop(ctx); err != nil {
		return fmt.Errorf("jobs: stop client: %w", err)
	}
	m.started = false
	m.logger.Info("job manager stopped")
	return nil
}

// Shutdown returns a shutdown hook draining the manager.
func (m *Manager) Shutdown() func(context.Context) error {
	return func(ctx context.Context) error {
		return m.Stop(ctx)
	}
}

// AfterSend schedules a delivery-confirmation poll for a committed send.
// Implements the dispatch follow-up hook. The insert runs in its own
// transaction so a partially written job row never becomes visible.
func (m *Manager) AfterSend(ctx context.Context, cfg *configs.SendingConfiguration, rcpt *recipients.Recipient, providerMessageID string) error {
	err := postgres.WithTx(ctx, m.pool, func(tx pgx.Tx) error {
		_, err := m.client.InsertTx(ctx, tx, confirmDeliveryArgs{
			ConfigID:          cfg.ID,
			ProviderMessageID: providerMessageID,
			RecipientEmail:    rcpt.Email,
		}, &river.InsertOpts{
			ScheduledAt: time.Now().Add(m.cfg.ConfirmDelay),
			MaxAttempts: m.cfg.ConfirmMaxAttempts,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("jobs: enqueue delivery confirmation: %w", err)
	}
	return nil
}

// Migrate applies River's own schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("jobs: create migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("jobs: apply queue migrations: %w", err)
	}
	return nil
}

type cronScheduleAdapter struct {
	schedule cron.Schedule
}

func (a *cronScheduleAdapter) Next(current time.Time) time.Time {
	return a.schedule.Next(current)
}

func parseCronSchedule(expr string) (river.PeriodicSchedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	return &cronScheduleAdapter{schedule: schedule}, nil
}
