package configs

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryProvider_GetRequiresCredential(t *testing.T) {
	t.Parallel()

	ready := SendingConfiguration{ID: uuid.New(), APIKey: "key", SenderAddress: "a@b.test"}
	pending := SendingConfiguration{ID: uuid.New(), SenderAddress: "c@d.test"}
	p := NewMemoryProvider(ready, pending)

	got, err := p.Get(context.Background(), ready.ID)
	require.NoError(t, err)
	assert.Equal(t, ready.ID, got.ID)

	_, err = p.Get(context.Background(), pending.ID)
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = p.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestMemoryProvider_ListSkipsUnconfigured(t *testing.T) {
	t.Parallel()

	ready := SendingConfiguration{ID: uuid.New(), APIKey: "key"}
	pending := SendingConfiguration{ID: uuid.New()}
	p := NewMemoryProvider(ready, pending)

	cfgs, err := p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	assert.Equal(t, ready.ID, cfgs[0].ID)
}

func TestMemoryProvider_PutAndRemove(t *testing.T) {
	t.Parallel()

	p := NewMemoryProvider()
	cfg := SendingConfiguration{ID: uuid.New(), APIKey: "key"}

	p.Put(cfg)
	_, err := p.Get(context.Background(), cfg.ID)
	require.NoError(t, err)

	p.Remove(cfg.ID)
	_, err = p.Get(context.Background(), cfg.ID)
	require.ErrorIs(t, err, ErrNotConfigured)
}
