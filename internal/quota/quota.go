// Package quota enforces per-configuration sending limits over rolling hourly
// and daily windows. Reservation and counting are one atomic step: a granted
// reservation has already incremented both counters, so two concurrent checks
// can never both see room and both send.
//
// Counters live in a versioned row per configuration and are updated with
// optimistic compare-and-swap, so concurrent units and restarted processes
// observe consistent state. Both windows are rolling (1 hour / 24 hours)
// rather than calendar-aligned; see DESIGN.md for the rationale.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	hourSpan = time.Hour
	daySpan  = 24 * time.Hour

	// casRetries bounds how often a reserve retries after losing a
	// compare-and-swap race before reporting contention to the caller.
	casRetries = 5
)

var (
	// ErrQuotaDenied signals that the configuration has no capacity right
	// now. It is backpressure, not a failure.
	ErrQuotaDenied = errors.New("quota: denied")

	// ErrContention is returned when the window row keeps changing under us
	// and the CAS retry budget runs out.
	ErrContention = errors.New("quota: window contention")

	// ErrStore wraps storage-layer failures.
	ErrStore = errors.New("quota: store failure")
)

// Limits are the operator-defined sending limits for one configuration.
// Hourly and daily limits are independent; neither bounds the other.
type Limits struct {
	Hourly int
	Daily  int
}

// Window is the durable counter state for one configuration.
type Window struct {
	ConfigID  uuid.UUID
	HourStart time.Time
	HourCount int
	DayStart  time.Time
	DayCount  int
	Version   int64
}

// Store persists quota windows. Load creates the row lazily with zero
// counters. CompareAndSwap writes w only if the stored version still matches
// w.Version, bumping the version on success.
type Store interface {
	Load(ctx context.Context, configID uuid.UUID) (Window, error)
	CompareAndSwap(ctx context.Context, w Window) (bool, error)
}

// DeniedError carries how long until the nearer blocking window frees a slot.
type DeniedError struct {
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("quota: denied, retry after %s", e.RetryAfter)
}

func (e *DeniedError) Unwrap() error { return ErrQuotaDenied }

// Tracker answers "may this configuration send now?" and accounts for every
// granted reservation.
type Tracker struct {
	store Store
	now   func() time.Time
}

// NewTracker creates a tracker over the given store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// TryReserve grants one send slot for the configuration, incrementing both
// window counters atomically with the capacity check. A *DeniedError result
// is normal backpressure and carries the backoff duration.
func (t *Tracker) TryReserve(ctx context.Context, configID uuid.UUID, limits Limits) error {
	for range casRetries {
		w, err := t.store.Load(ctx, configID)
		if err != nil {
			return errors.Join(ErrStore, err)
		}

		now := t.now()
		normalize(&w, now)

		if denied := checkLimits(&w, limits, now); denied != nil {
			return denied
		}

		w.HourCount++
		w.DayCount++

		swapped, err := t.store.CompareAndSwap(ctx, w)
		if err != nil {
			return errors.Join(ErrStore, err)
		}
		if swapped {
			return nil
		}
	}
	return ErrContention
}

// Release gives back one unused reservation, decrementing both counters.
// Used when a granted reservation never produced an external call (empty
// queue, render failure). Counters never go below zero.
func (t *Tracker) Release(ctx context.Context, configID uuid.UUID) error {
	for range casRetries {
		w, err := t.store.Load(ctx, configID)
		if err != nil {
			return errors.Join(ErrStore, err)
		}

		if w.HourCount > 0 {
			w.HourCount--
		}
		if w.DayCount > 0 {
			w.DayCount--
		}

		swapped, err := t.store.CompareAndSwap(ctx, w)
		if err != nil {
			return errors.Join(ErrStore, err)
		}
		if swapped {
			return nil
		}
	}
	return ErrContention
}

// normalize slides expired windows. A window that has been idle across
// multiple spans resets fully to now; no debt accumulates.
func normalize(w *Window, now time.Time) {
	if w.HourStart.IsZero() || now.Sub(w.HourStart) >= hourSpan {
		w.HourStart = now
		w.HourCount = 0
	}
	if w.DayStart.IsZero() || now.Sub(w.DayStart) >= daySpan {
		w.DayStart = now
		w.DayCount = 0
	}
}

// checkLimits returns a DeniedError when either window is at its limit.
// RetryAfter is the time until the nearer blocking window resets.
func checkLimits(w *Window, limits Limits, now time.Time) *DeniedError {
	var retryAfter time.Duration
	blocked := false

	if limits.Hourly > 0 && w.HourCount >= limits.Hourly {
		blocked = true
		retryAfter = w.HourStart.Add(hourSpan).Sub(now)
	}
	if limits.Daily > 0 && w.DayCount >= limits.Daily {
		until := w.DayStart.Add(daySpan).Sub(now)
		if !blocked || until < retryAfter {
			retryAfter = until
		}
		blocked = true
	}

	if !blocked {
		return nil
	}
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &DeniedError{RetryAfter: retryAfter}
}
