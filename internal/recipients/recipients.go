// Package recipients manages the per-configuration queue of pending
// recipients and their delivery state machine. Leasing hands each Pending
// recipient to exactly one caller via an atomic conditional state transition;
// commits require the lease token, so a second commit of the same attempt is
// rejected rather than silently overwriting a terminal state.
package recipients

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// State is a recipient's delivery state. Transitions are validated on every
// write; an invalid transition fails loudly instead of overwriting state.
type State string

const (
	StatePending  State = "pending"
	StateInFlight State = "in_flight"
	StateSent     State = "sent"
	StateFailed   State = "failed"
)

// transitions is the allowed state transition table. Failed->Pending does not
// appear here: retryable failures are requeued at commit time, while the
// recipient is still InFlight, so a terminal Failed row never moves again.
var transitions = map[State][]State{
	StatePending:  {StateInFlight},
	StateInFlight: {StateSent, StateFailed, StatePending},
	StateSent:     {},
	StateFailed:   {},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

var (
	// ErrQueueEmpty signals no Pending recipient exists for the scope.
	ErrQueueEmpty = errors.New("recipients: queue empty")

	// ErrLeaseNotFound is returned when a commit references an unknown or
	// already-committed lease token.
	ErrLeaseNotFound = errors.New("recipients: lease not found")

	// ErrInvalidTransition is returned on an illegal state change.
	ErrInvalidTransition = errors.New("recipients: invalid state transition")

	// ErrStore wraps storage-layer failures.
	ErrStore = errors.New("recipients: store failure")
)

// Recipient is one queued delivery target. Rows are created by the import
// layer in Pending state; the scheduler only ever changes delivery state and
// outcome metadata.
type Recipient struct {
	ID                uuid.UUID
	ConfigID          uuid.UUID
	Email             string
	DisplayName       string
	Context           map[string]string
	State             State
	Attempts          int
	LeaseToken        uuid.UUID // uuid.Nil when not leased
	LeasedAt          time.Time // zero when not leased
	LastError         string
	ProviderMessageID string
	DeliveryStatus    string
	QueuedAt          time.Time // FIFO position; reset on transient requeue
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
