// Package events emits per-attempt outcome events for dashboards to poll.
// The sink is best-effort observability: emit failures are logged by callers
// and never affect dispatch correctness.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Type identifies what happened during a dispatch cycle.
type Type string

const (
	TypeSent      Type = "sent"
	TypeFailed    Type = "failed"
	TypeDenied    Type = "denied"
	TypeReclaimed Type = "reclaimed"
)

// Event is one per-attempt outcome record.
type Event struct {
	Type        Type
	ConfigID    uuid.UUID
	RecipientID uuid.UUID // zero for denied/reclaimed events
	Detail      string    // human-readable, never contains credentials
	At          time.Time
}

// Sink receives outcome events.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// NopSink discards all events. Used when no Redis is configured.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) error { return nil }

// defaultStreamMaxLen caps the event stream so an unattended dashboard never
// grows Redis without bound. Approximate trimming keeps XADD cheap.
const defaultStreamMaxLen = 100_000

// RedisSink appends events to a capped Redis stream.
type RedisSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisSink creates a sink writing to the given stream key.
func NewRedisSink(client redis.UniversalClient, stream string) *RedisSink {
	if stream == "" {
		stream = "dripsend:events"
	}
	return &RedisSink{client: client, stream: stream, maxLen: defaultStreamMaxLen}
}

func (s *RedisSink) Emit(ctx context.Context, ev Event) error {
	values := map[string]any{
		"type":      string(ev.Type),
		"config_id": ev.ConfigID.String(),
		"detail":    ev.Detail,
		"at":        ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.RecipientID != uuid.Nil {
		values["recipient_id"] = ev.RecipientID.String()
	}

	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
}
