// Package reservation coordinates the reserve/commit/cancel saga that keeps
// the credit ledger correct across the asynchronous generation pipeline.
//
// A Reservation is a three-state machine:
//
//	PROCESSING -> COMPLETED  (commit: the hold becomes a charge)
//	PROCESSING -> FAILED     (cancel: the hold is released, nothing charged)
//
// Terminal states are immutable. The state is modeled explicitly rather than
// inferred from asset rows so the financial invariant stays independently
// auditable; reservation rows are retained indefinitely as an audit trail.
//
// There is no distributed two-phase commit between our ledger and an external
// inference provider, so this is a compensating-transaction saga: reserve
// first, then either capture or compensate once the outcome is known.
package reservation

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no reservation matches the id.
	ErrNotFound = errors.New("reservation: not found")

	// ErrInvalidState guards the once-only transition out of PROCESSING.
	// A second commit or cancel fails loudly with this error instead of
	// double-charging or double-refunding; seeing it in logs outside of a
	// deliberate idempotency probe is a defect.
	ErrInvalidState = errors.New("reservation: not in PROCESSING state")

	// ErrInvalidCount is returned for a non-positive image count.
	ErrInvalidCount = errors.New("reservation: count must be positive")
)

// Status of a reservation.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Reservation is one generation attempt's hold on an account.
type Reservation struct {
	ID        string
	AccountID string
	Amount    int64
	Status    Status
	CreatedAt time.Time
}

// Store persists reservations. Reserve, Complete, and Fail are each a single
// atomic unit spanning the reservation row and the ledger mutation: both
// succeed or both roll back.
type Store interface {
	// Reserve holds amount on the account and inserts a PROCESSING row in
	// the same transaction. Propagates ledger.ErrInsufficientFunds and
	// ledger.ErrAccountNotFound.
	Reserve(ctx context.Context, accountID string, amount int64) (Reservation, error)

	// Get returns one reservation.
	Get(ctx context.Context, id string) (Reservation, error)

	// ListByAccount returns the newest reservations for an account.
	ListByAccount(ctx context.Context, accountID string, limit int) ([]Reservation, error)

	// Complete transitions PROCESSING -> COMPLETED and debits the hold.
	// ErrInvalidState if the reservation already left PROCESSING.
	Complete(ctx context.Context, id string) (Reservation, error)

	// Fail transitions PROCESSING -> FAILED and releases the hold.
	// ErrInvalidState if the reservation already left PROCESSING.
	Fail(ctx context.Context, id string) (Reservation, error)
}
