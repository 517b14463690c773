// Package ledger owns the spendable and held credit totals for every account.
//
// This is the core financial engine of Morphify. Every credit that moves
// through the system flows through this package. The ledger tracks two
// numbers per account:
//
//	balance - total credits ever purchased minus ever spent
//	held    - credits currently reserved but not yet debited
//
// The invariant is: available = balance - held >= 0, at all times.
//
// The hold/debit/release split exists because image generation is slow,
// unreliable, and billed externally. We reserve funds when a request is
// accepted, and only actually charge once the provider has verifiably
// finished - the classic reserve/capture pattern used for card payments,
// applied to an internal credit ledger.
//
// Race condition prevention:
// All balance mutations execute as single conditional UPDATE statements (or
// their mutex-guarded in-memory equivalent). This prevents the classic
// "check-then-act" race where multiple concurrent requests all read the
// balance, see enough funds, and all proceed even though collectively they
// exceed the available amount.
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrAccountNotFound is returned when the account does not exist.
	ErrAccountNotFound = errors.New("ledger: account not found")

	// ErrInsufficientFunds is returned by Hold when available < amount.
	// It carries no side effects: a rejected hold leaves the account untouched.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrHeldUnderflow indicates a debit or release larger than the current
	// held total. This should never happen in normal operation and is logged
	// as a defect by callers.
	ErrHeldUnderflow = errors.New("ledger: held amount underflow")
)

// Balance is a point-in-time snapshot of one account's credit totals.
type Balance struct {
	AccountID string
	Balance   int64
	Held      int64
}

// Available returns the spendable amount: balance minus held.
func (b Balance) Available() int64 { return b.Balance - b.Held }

// Ledger is the authoritative answer to "can this request be afforded".
//
// All implementations must serialize concurrent mutations to the same
// account: two concurrent holds must never both read a stale available
// value.
type Ledger interface {
	// GetBalance returns the current totals for an account.
	GetBalance(ctx context.Context, accountID string) (Balance, error)

	// GetAvailable returns balance - held.
	GetAvailable(ctx context.Context, accountID string) (int64, error)

	// Hold reserves amount against the account's available balance.
	// Fails with ErrInsufficientFunds if available < amount.
	Hold(ctx context.Context, accountID string, amount int64) error

	// DebitAndRelease decrements both balance and held by amount.
	// This is the commit path: the hold becomes an actual charge.
	DebitAndRelease(ctx context.Context, accountID string, amount int64) error

	// Release decrements only held by amount. This is the cancel path:
	// the hold is reversed and nothing is charged.
	Release(ctx context.Context, accountID string, amount int64) error

	// Grant increments balance by amount (purchase credit).
	Grant(ctx context.Context, accountID string, amount int64) error

	// EnsureAccount creates the account with a zero balance if it does not
	// exist yet. Called on first authentication.
	EnsureAccount(ctx context.Context, accountID string) error
}
