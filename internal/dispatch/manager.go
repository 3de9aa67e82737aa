package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dripsend/dripsend/internal/configs"
	"github.com/dripsend/dripsend/internal/events"
	"github.com/dripsend/dripsend/internal/executor"
	"github.com/dripsend/dripsend/internal/metrics"
	"github.com/dripsend/dripsend/internal/quota"
	"github.com/dripsend/dripsend/internal/recipients"
)

// Deps bundles the collaborators a Manager drives.
type Deps struct {
	Provider  configs.Provider
	Tracker   *quota.Tracker
	Queue     *recipients.Queue
	Executor  *executor.Executor
	Sink      events.Sink
	Metrics   *metrics.Metrics
	Followups FollowupScheduler
	Waker     Waker
	Logger    *slog.Logger
}

// Manager supervises one dispatch unit per sending configuration and
// reconciles the running set against stored configurations, so newly
// configured users start sending without a restart and removed ones stop.
type Manager struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	started bool
	units   map[uuid.UUID]context.CancelFunc
}

// NewManager creates a manager. Optional deps (Sink, Metrics, Followups,
// Waker, Logger) may be nil and fall back to no-ops.
func NewManager(cfg Config, deps Deps) *Manager {
	if deps.Sink == nil {
		deps.Sink = events.NopSink{}
	}
	if deps.Followups == nil {
		deps.Followups = nopFollowups{}
	}
	if deps.Waker == nil {
		deps.Waker = nopWaker{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		cfg:   cfg.withDefaults(),
		deps:  deps,
		units: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Run starts unit supervision and blocks until ctx is canceled. On shutdown
// no new leases are issued; each unit lets its in-flight attempt finish or
// time out before returning.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	g, groupCtx := errgroup.WithContext(ctx)

	m.reconcile(groupCtx, g)

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-groupCtx.Done():
			break loop
		case <-ticker.C:
			m.reconcile(groupCtx, g)
		}
	}

	m.mu.Lock()
	for _, cancel := range m.units {
		cancel()
	}
	m.units = make(map[uuid.UUID]context.CancelFunc)
	m.started = false
	m.mu.Unlock()

	err := g.Wait()
	m.deps.Logger.Info("dispatch manager stopped")
	return err
}

// reconcile starts units for new configurations and stops units whose
// configuration disappeared. Limits themselves are re-read by units every
// cycle; reconciliation only tracks existence.
func (m *Manager) reconcile(ctx context.Context, g *errgroup.Group) {
	cfgs, err := m.deps.Provider.List(ctx)
	if err != nil {
		m.deps.Logger.ErrorContext(ctx, "list sending configurations failed",
			slog.Any("error", err))
		return
	}

	active := make(map[uuid.UUID]bool, len(cfgs))
	for _, cfg := range cfgs {
		active[cfg.ID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, cancel := range m.units {
		if !active[id] {
			m.deps.Logger.InfoContext(ctx, "stopping dispatch unit",
				slog.String("config_id", id.String()))
			cancel()
			delete(m.units, id)
		}
	}

	for _, cfg := range cfgs {
		if _, running := m.units[cfg.ID]; running {
			continue
		}
		unitCtx, cancel := context.WithCancel(ctx)
		m.units[cfg.ID] = cancel

		u := &unit{cfg: m.cfg, deps: m.deps, configID: cfg.ID}
		g.Go(func() error {
			defer cancel()
			u.run(unitCtx)
			return nil
		})
		m.deps.Logger.InfoContext(ctx, "started dispatch unit",
			slog.String("config_id", cfg.ID.String()))
	}
}

// Healthcheck reports whether the manager is running.
// Compatible with the admin readiness handler.
func (m *Manager) Healthcheck() func(ctx context.Context) error {
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.started {
			return ErrNotStarted
		}
		return nil
	}
}
