package dispatch

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// wakeChannelPrefix is the pub/sub channel namespace for per-configuration
// wake signals. Importers publish any payload to wake the unit.
const wakeChannelPrefix = "dripsend:wake:"

// WakeChannel returns the pub/sub channel name for a configuration. Publish
// anything to it after inserting recipients to trigger an immediate cycle.
func WakeChannel(configID uuid.UUID) string {
	return wakeChannelPrefix + configID.String()
}

// RedisWaker bridges Redis pub/sub to unit wake channels.
type RedisWaker struct {
	client redis.UniversalClient
	log    *slog.Logger
}

// NewRedisWaker creates a waker on an established client.
func NewRedisWaker(client redis.UniversalClient, log *slog.Logger) *RedisWaker {
	if log == nil {
		log = slog.Default()
	}
	return &RedisWaker{client: client, log: log}
}

// Subscribe starts a pub/sub subscription for one configuration. Signals are
// collapsed into a buffered channel of size one; a unit already awake ignores
// further nudges until its next wait.
func (w *RedisWaker) Subscribe(ctx context.Context, configID uuid.UUID) (<-chan struct{}, func()) {
	sub := w.client.Subscribe(ctx, WakeChannel(configID))
	out := make(chan struct{}, 1)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.Channel():
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out, func() {
		if err := sub.Close(); err != nil {
			w.log.Warn("close wake subscription failed",
				slog.String("config_id", configID.String()),
				slog.Any("error", err))
		}
	}
}
