// Package configs supplies per-user sending configurations: provider
// credentials, sender identity, and rate limits. Configurations are owned by
// the external settings layer; the scheduler re-reads them every cycle so
// live limit edits take effect without a restart.
package configs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotConfigured signals a configuration that is missing or has no API
// credential yet. The dispatch unit idles until the operator resolves it.
var ErrNotConfigured = errors.New("configs: not configured")

// SendingConfiguration carries everything one dispatch unit needs to send.
type SendingConfiguration struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	APIKey        string
	SenderName    string
	SenderAddress string
	Subject       string
	TemplateName  string
	HourlyLimit   int
	DailyLimit    int
	UpdatedAt     time.Time
}

// Provider reads sending configurations. Read-only to the scheduler.
type Provider interface {
	// Get returns the configuration by id, or ErrNotConfigured when it is
	// absent or has no API credential.
	Get(ctx context.Context, id uuid.UUID) (*SendingConfiguration, error)

	// List returns all configurations that are ready to send, for dispatch
	// unit reconciliation.
	List(ctx context.Context) ([]SendingConfiguration, error)
}
