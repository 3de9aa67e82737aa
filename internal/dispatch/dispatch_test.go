package dispatch

import (
	"context"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripsend/dripsend/internal/configs"
	"github.com/dripsend/dripsend/internal/events"
	"github.com/dripsend/dripsend/internal/executor"
	"github.com/dripsend/dripsend/internal/quota"
	"github.com/dripsend/dripsend/internal/recipients"
	"github.com/dripsend/dripsend/pkg/mailer"
)

type countingSender struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *countingSender) Send(context.Context, *mailer.Email) (*mailer.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &mailer.Receipt{MessageID: uuid.NewString()}, nil
}

func (s *countingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type memorySink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *memorySink) Emit(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memorySink) byType(t events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	provider   *configs.MemoryProvider
	quotaStore *quota.MemoryStore
	store      *recipients.MemoryStore
	queue      *recipients.Queue
	sender     *countingSender
	sink       *memorySink
	manager    *Manager
	configID   uuid.UUID
}

func newHarness(t *testing.T, cfg configs.SendingConfiguration, sender *countingSender) *harness {
	t.Helper()

	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "key"
	}
	if cfg.SenderAddress == "" {
		cfg.SenderAddress = "news@acme.test"
	}

	renderer := mailer.NewRenderer(fstest.MapFS{
		"mail.md":           &fstest.MapFile{Data: []byte("Hey {{.Name}}!\n")},
		"layouts/base.html": &fstest.MapFile{Data: []byte("{{.Content}}")},
	})
	exec := executor.New(renderer, func(*configs.SendingConfiguration) mailer.Sender {
		return sender
	}, executor.Config{SendTimeout: time.Second})

	h := &harness{
		provider:   configs.NewMemoryProvider(cfg),
		quotaStore: quota.NewMemoryStore(),
		store:      recipients.NewMemoryStore(),
		sender:     sender,
		sink:       &memorySink{},
		configID:   cfg.ID,
	}
	h.queue = recipients.NewQueue(h.store, 3)
	h.manager = NewManager(Config{
		PollInterval:      20 * time.Millisecond,
		LeaseTimeout:      time.Minute,
		ReconcileInterval: 20 * time.Millisecond,
		StorageBackoff:    20 * time.Millisecond,
		MaxDeniedWait:     50 * time.Millisecond,
		MaxAttempts:       3,
	}, Deps{
		Provider: h.provider,
		Tracker:  quota.NewTracker(h.quotaStore),
		Queue:    h.queue,
		Executor: exec,
		Sink:     h.sink,
	})
	return h
}

func (h *harness) run(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.manager.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("manager did not stop")
		}
	})
	return cancel
}

func (h *harness) stateCounts(t *testing.T) map[recipients.State]int {
	t.Helper()
	counts, err := h.queue.Stats(context.Background(), h.configID)
	require.NoError(t, err)
	return counts
}

func TestManager_SendsUntilQuotaDenied(t *testing.T) {
	t.Parallel()

	sender := &countingSender{}
	h := newHarness(t, configs.SendingConfiguration{HourlyLimit: 2, DailyLimit: 10}, sender)

	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		h.store.Add(recipients.Recipient{ConfigID: h.configID, Email: email})
	}

	h.run(t)

	require.Eventually(t, func() bool {
		return h.stateCounts(t)[recipients.StateSent] == 2
	}, 3*time.Second, 10*time.Millisecond)

	// The third recipient stays pending behind the hourly limit.
	require.Eventually(t, func() bool {
		return h.sink.byType(events.TypeDenied) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	counts := h.stateCounts(t)
	assert.Equal(t, 2, counts[recipients.StateSent])
	assert.Equal(t, 1, counts[recipients.StatePending])
	assert.Equal(t, 2, sender.count())
	assert.Equal(t, 2, h.sink.byType(events.TypeSent))
}

func TestManager_TransientFailuresExhaustAttemptBudget(t *testing.T) {
	t.Parallel()

	sender := &countingSender{err: &mailer.ProviderError{
		StatusCode: 503,
		Kind:       mailer.FailureTransient,
		Detail:     "service unavailable",
	}}
	h := newHarness(t, configs.SendingConfiguration{HourlyLimit: 10, DailyLimit: 10}, sender)

	id := h.store.Add(recipients.Recipient{ConfigID: h.configID, Email: "flaky@example.com"})

	h.run(t)

	require.Eventually(t, func() bool {
		return h.stateCounts(t)[recipients.StateFailed] == 1
	}, 3*time.Second, 10*time.Millisecond)

	rcpt, ok := h.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, 3, rcpt.Attempts)
	assert.Contains(t, rcpt.LastError, "service unavailable")
	assert.Equal(t, 3, sender.count())

	// Every attempt reached the provider, so all three reservations stay
	// consumed.
	w, err := h.quotaStore.Load(context.Background(), h.configID)
	require.NoError(t, err)
	assert.Equal(t, 3, w.HourCount)
}

func TestManager_RenderFailureReleasesQuota(t *testing.T) {
	t.Parallel()

	sender := &countingSender{}
	h := newHarness(t, configs.SendingConfiguration{
		HourlyLimit:  5,
		DailyLimit:   5,
		TemplateName: "missing.md",
	}, sender)

	id := h.store.Add(recipients.Recipient{ConfigID: h.configID, Email: "a@example.com"})

	h.run(t)

	require.Eventually(t, func() bool {
		return h.stateCounts(t)[recipients.StateFailed] == 1
	}, 3*time.Second, 10*time.Millisecond)

	rcpt, ok := h.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, recipients.StateFailed, rcpt.State)
	assert.Equal(t, 0, sender.count())

	w, err := h.quotaStore.Load(context.Background(), h.configID)
	require.NoError(t, err)
	assert.Equal(t, 0, w.HourCount)
	assert.Equal(t, 0, w.DayCount)
}

func TestManager_StopsLeasingAfterShutdown(t *testing.T) {
	t.Parallel()

	sender := &countingSender{}
	h := newHarness(t, configs.SendingConfiguration{HourlyLimit: 100, DailyLimit: 100}, sender)

	h.store.Add(recipients.Recipient{ConfigID: h.configID, Email: "a@example.com"})

	cancel := h.run(t)

	require.Eventually(t, func() bool {
		return h.stateCounts(t)[recipients.StateSent] == 1
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		return h.manager.Healthcheck()(context.Background()) != nil
	}, 3*time.Second, 10*time.Millisecond)

	// Work added after shutdown stays untouched.
	h.store.Add(recipients.Recipient{ConfigID: h.configID, Email: "late@example.com"})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.stateCounts(t)[recipients.StatePending])
	assert.Equal(t, 1, sender.count())
}

func TestManager_HealthcheckBeforeStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, configs.SendingConfiguration{}, &countingSender{})
	require.ErrorIs(t, h.manager.Healthcheck()(context.Background()), ErrNotStarted)
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.LeaseTimeout)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Greater(t, cfg.LeaseTimeout, cfg.PollInterval)
}
