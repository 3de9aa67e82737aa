package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripsend/dripsend/internal/configs"
	"github.com/dripsend/dripsend/internal/logging"
	"github.com/dripsend/dripsend/internal/recipients"
)

type fakeEvents struct {
	names []string
	err   error
	calls int
}

func (f *fakeEvents) MessageEvents(context.Context, string) ([]string, error) {
	f.calls++
	return f.names, f.err
}

type fakeContacts struct {
	deleted []string
}

func (f *fakeContacts) DeleteContact(_ context.Context, email string) error {
	f.deleted = append(f.deleted, email)
	return nil
}

func confirmJob(args confirmDeliveryArgs, attempt, maxAttempts int) *river.Job[confirmDeliveryArgs] {
	return &river.Job[confirmDeliveryArgs]{
		JobRow: &rivertype.JobRow{Attempt: attempt, MaxAttempts: maxAttempts},
		Args:   args,
	}
}

type confirmFixtureState struct {
	worker      *confirmDeliveryWorker
	store       *recipients.MemoryStore
	recipientID uuid.UUID
	args        confirmDeliveryArgs
}

func confirmFixture(t *testing.T, events *fakeEvents) *confirmFixtureState {
	t.Helper()

	configID := uuid.New()
	provider := configs.NewMemoryProvider(configs.SendingConfiguration{
		ID:     configID,
		APIKey: "key",
	})

	store := recipients.NewMemoryStore()
	recipientID := store.Add(recipients.Recipient{
		ConfigID:          configID,
		Email:             "jane@example.com",
		State:             recipients.StateSent,
		ProviderMessageID: "msg-1",
	})

	worker := &confirmDeliveryWorker{
		cfg: Config{}.withDefaults(),
		deps: Deps{
			Provider: provider,
			Store:    store,
			Events:   func(*configs.SendingConfiguration) EventsReader { return events },
			Logger:   logging.NewNop(),
		},
	}

	return &confirmFixtureState{
		worker:      worker,
		store:       store,
		recipientID: recipientID,
		args: confirmDeliveryArgs{
			ConfigID:          configID,
			ProviderMessageID: "msg-1",
			RecipientEmail:    "jane@example.com",
		},
	}
}

func (f *confirmFixtureState) deliveryStatus(t *testing.T) string {
	t.Helper()
	rcpt, ok := f.store.Get(f.recipientID)
	require.True(t, ok)
	return rcpt.DeliveryStatus
}

func TestConfirmDelivery_RecordsDelivered(t *testing.T) {
	t.Parallel()

	events := &fakeEvents{names: []string{"request", "delivered"}}
	f := confirmFixture(t, events)

	err := f.worker.Work(context.Background(), confirmJob(f.args, 1, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, events.calls)
	assert.Equal(t, StatusDelivered, f.deliveryStatus(t))
}

func TestConfirmDelivery_RecordsBounce(t *testing.T) {
	t.Parallel()

	events := &fakeEvents{names: []string{"request", "soft_bounce"}}
	f := confirmFixture(t, events)

	err := f.worker.Work(context.Background(), confirmJob(f.args, 1, 10))
	require.NoError(t, err)
	assert.Equal(t, StatusBounced, f.deliveryStatus(t))
}

func TestConfirmDelivery_SnoozesWhileInconclusive(t *testing.T) {
	t.Parallel()

	events := &fakeEvents{names: []string{"request"}}
	f := confirmFixture(t, events)

	// River encodes snoozing as a special error value; the status stays
	// unset until a later attempt concludes.
	err := f.worker.Work(context.Background(), confirmJob(f.args, 1, 10))
	require.Error(t, err)
	assert.Empty(t, f.deliveryStatus(t))
}

func TestConfirmDelivery_FinalAttemptRecordsUnconfirmed(t *testing.T) {
	t.Parallel()

	events := &fakeEvents{names: []string{"request"}}
	f := confirmFixture(t, events)

	err := f.worker.Work(context.Background(), confirmJob(f.args, 10, 10))
	require.NoError(t, err)
	assert.Equal(t, StatusUnconfirmed, f.deliveryStatus(t))
}

func TestConfirmDelivery_MissingConfigurationCompletes(t *testing.T) {
	t.Parallel()

	events := &fakeEvents{names: []string{"delivered"}}
	f := confirmFixture(t, events)
	f.args.ConfigID = uuid.New()

	err := f.worker.Work(context.Background(), confirmJob(f.args, 1, 10))
	require.NoError(t, err)
	assert.Equal(t, 0, events.calls)
}

func TestCleanupContact_DeletesThroughDirectory(t *testing.T) {
	t.Parallel()

	configID := uuid.New()
	contacts := &fakeContacts{}
	worker := &cleanupContactWorker{deps: Deps{
		Provider: configs.NewMemoryProvider(configs.SendingConfiguration{ID: configID, APIKey: "key"}),
		Contacts: func(*configs.SendingConfiguration) ContactDirectory { return contacts },
		Logger:   logging.NewNop(),
	}}

	job := &river.Job[cleanupContactArgs]{
		JobRow: &rivertype.JobRow{Attempt: 1, MaxAttempts: 3},
		Args:   cleanupContactArgs{ConfigID: configID, Email: "jane@example.com"},
	}
	require.NoError(t, worker.Work(context.Background(), job))
	assert.Equal(t, []string{"jane@example.com"}, contacts.deleted)
}

func TestSweep_RemovesOldTerminalRecipients(t *testing.T) {
	t.Parallel()

	configID := uuid.New()
	store := recipients.NewMemoryStore()
	old := time.Now().Add(-60 * 24 * time.Hour)
	store.Add(recipients.Recipient{
		ConfigID:  configID,
		Email:     "old@example.com",
		State:     recipients.StateSent,
		UpdatedAt: old,
	})
	store.Add(recipients.Recipient{
		ConfigID: configID,
		Email:    "fresh@example.com",
		State:    recipients.StatePending,
	})

	worker := &sweepWorker{
		cfg:  Config{}.withDefaults(),
		deps: Deps{Store: store, Logger: logging.NewNop()},
	}

	job := &river.Job[sweepArgs]{JobRow: &rivertype.JobRow{}, Args: sweepArgs{}}
	require.NoError(t, worker.Work(context.Background(), job))

	counts, err := store.CountByState(context.Background(), configID)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[recipients.StateSent])
	assert.Equal(t, 1, counts[recipients.StatePending])
}
