package recipients

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests. Row mutations happen under one
// mutex, matching the atomicity the postgres store gets from single-statement
// conditional updates.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Recipient
	seq  int64
}

// NewMemoryStore creates an empty in-memory recipient store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[uuid.UUID]*Recipient)}
}

// Add inserts a recipient in Pending state, preserving insertion order for
// FIFO leasing even when CreatedAt timestamps collide.
func (s *MemoryStore) Add(rcpt Recipient) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rcpt.ID == uuid.Nil {
		rcpt.ID = uuid.New()
	}
	if rcpt.State == "" {
		rcpt.State = StatePending
	}
	if rcpt.CreatedAt.IsZero() {
		s.seq++
		rcpt.CreatedAt = time.Unix(0, s.seq)
	}
	if rcpt.QueuedAt.IsZero() {
		rcpt.QueuedAt = rcpt.CreatedAt
	}
	r := rcpt
	s.rows[r.ID] = &r
	return r.ID
}

// Get returns a copy of the recipient row, for test assertions.
func (s *MemoryStore) Get(id uuid.UUID) (Recipient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return Recipient{}, false
	}
	return *r, true
}

func (s *MemoryStore) LeaseOldestPending(_ context.Context, configID, token uuid.UUID, now time.Time) (*Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *Recipient
	for _, r := range s.rows {
		if r.ConfigID != configID || r.State != StatePending {
			continue
		}
		if oldest == nil || r.QueuedAt.Before(oldest.QueuedAt) {
			oldest = r
		}
	}
	if oldest == nil {
		return nil, ErrQueueEmpty
	}

	oldest.State = StateInFlight
	oldest.LeaseToken = token
	oldest.LeasedAt = now
	oldest.Attempts++
	oldest.UpdatedAt = now

	copied := *oldest
	return &copied, nil
}

func (s *MemoryStore) FindByLease(_ context.Context, token uuid.UUID) (*Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rows {
		if r.State == StateInFlight && r.LeaseToken == token {
			copied := *r
			return &copied, nil
		}
	}
	return nil, ErrLeaseNotFound
}

func (s *MemoryStore) CommitLease(_ context.Context, token uuid.UUID, to State, upd CommitUpdate, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rows {
		if r.State != StateInFlight || r.LeaseToken != token {
			continue
		}
		r.State = to
		r.LeaseToken = uuid.Nil
		r.LeasedAt = time.Time{}
		if to == StatePending {
			// Requeue to the tail, on the same ordering clock Add uses.
			s.seq++
			r.QueuedAt = time.Unix(0, s.seq)
		}
		if upd.LastError != "" {
			r.LastError = upd.LastError
		}
		if upd.ProviderMessageID != "" {
			r.ProviderMessageID = upd.ProviderMessageID
		}
		r.UpdatedAt = now
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) ReclaimExpired(_ context.Context, configID uuid.UUID, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0
	for _, r := range s.rows {
		if r.ConfigID != configID || r.State != StateInFlight {
			continue
		}
		if r.LeasedAt.After(cutoff) {
			continue
		}
		r.State = StatePending
		r.LeaseToken = uuid.Nil
		r.LeasedAt = time.Time{}
		r.UpdatedAt = now
		reclaimed++
	}
	return reclaimed, nil
}

func (s *MemoryStore) CountByState(_ context.Context, configID uuid.UUID) (map[State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[State]int)
	for _, r := range s.rows {
		if r.ConfigID == configID {
			counts[r.State]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) SetDeliveryStatus(_ context.Context, providerMessageID, status string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rows {
		if r.ProviderMessageID == providerMessageID {
			r.DeliveryStatus = status
			r.UpdatedAt = now
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, r := range s.rows {
		if (r.State == StateSent || r.State == StateFailed) && r.UpdatedAt.Before(cutoff) {
			delete(s.rows, id)
			removed++
		}
	}
	return removed, nil
}
