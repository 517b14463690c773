package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Postgres is the durable Ledger implementation backed by the accounts table.
//
// Every mutation is a single conditional UPDATE. The WHERE clause carries the
// invariant check, so the read-modify-write is atomic without an explicit
// row lock: two concurrent Hold calls against the same account serialize on
// the row and the loser re-evaluates the condition against committed state.
type Postgres struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ Ledger = (*Postgres)(nil)

// NewPostgres creates a Postgres ledger on an existing connection pool.
func NewPostgres(db *sql.DB, logger zerolog.Logger) *Postgres {
	return &Postgres{
		db:  db,
		log: logger.With().Str("component", "ledger").Logger(),
	}
}

// GetBalance returns the current totals for an account.
func (p *Postgres) GetBalance(ctx context.Context, accountID string) (Balance, error) {
	b := Balance{AccountID: accountID}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, held FROM accounts WHERE id = $1
	`, accountID).Scan(&b.Balance, &b.Held)
	if err == sql.ErrNoRows {
		return Balance{}, ErrAccountNotFound
	}
	if err != nil {
		return Balance{}, fmt.Errorf("ledger: query balance: %w", err)
	}
	return b, nil
}

// GetAvailable returns balance - held.
func (p *Postgres) GetAvailable(ctx context.Context, accountID string) (int64, error) {
	b, err := p.GetBalance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return b.Available(), nil
}

// Hold reserves amount against the available balance.
func (p *Postgres) Hold(ctx context.Context, accountID string, amount int64) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		return HoldTx(ctx, tx, accountID, amount)
	})
}

// DebitAndRelease converts a hold into an actual charge.
func (p *Postgres) DebitAndRelease(ctx context.Context, accountID string, amount int64) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		return DebitAndReleaseTx(ctx, tx, accountID, amount)
	})
}

// Release reverses a hold without charging.
func (p *Postgres) Release(ctx context.Context, accountID string, amount int64) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		return ReleaseTx(ctx, tx, accountID, amount)
	})
}

// Grant increments balance by amount.
func (p *Postgres) Grant(ctx context.Context, accountID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1
	`, accountID, amount)
	if err != nil {
		return fmt.Errorf("ledger: grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: grant rows: %w", err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	p.log.Info().
		Str("account_id", accountID).
		Int64("amount", amount).
		Msg("credits granted")
	return nil
}

// EnsureAccount creates the account with zero balance if missing.
func (p *Postgres) EnsureAccount(ctx context.Context, accountID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, held, created_at, updated_at)
		VALUES ($1, 0, 0, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`, accountID)
	if err != nil {
		return fmt.Errorf("ledger: ensure account: %w", err)
	}
	return nil
}

func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit tx: %w", err)
	}
	return nil
}

// The Tx variants below run inside a caller-owned transaction. The
// reservation store uses them to make "hold funds + insert reservation row"
// a single atomic unit: both succeed or both roll back.

// HoldTx reserves amount inside tx. ErrInsufficientFunds when available < amount.
func HoldTx(ctx context.Context, tx *sql.Tx, accountID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	var held int64
	err := tx.QueryRowContext(ctx, `
		UPDATE accounts SET held = held + $2, updated_at = NOW()
		WHERE id = $1 AND balance - held >= $2
		RETURNING held
	`, accountID, amount).Scan(&held)

	if err == sql.ErrNoRows {
		// Either the account is missing or the funds are. Disambiguate so
		// the caller can surface the right error to the user.
		var exists bool
		err = tx.QueryRowContext(ctx, `SELECT true FROM accounts WHERE id = $1`, accountID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("ledger: check account: %w", err)
		}
		return ErrInsufficientFunds
	}
	if err != nil {
		return fmt.Errorf("ledger: hold: %w", err)
	}
	return nil
}

// DebitAndReleaseTx decrements balance and held inside tx.
func DebitAndReleaseTx(ctx context.Context, tx *sql.Tx, accountID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	var balance int64
	err := tx.QueryRowContext(ctx, `
		UPDATE accounts SET balance = balance - $2, held = held - $2, updated_at = NOW()
		WHERE id = $1 AND held >= $2
		RETURNING balance
	`, accountID, amount).Scan(&balance)

	if err == sql.ErrNoRows {
		return underflowOrMissing(ctx, tx, accountID)
	}
	if err != nil {
		return fmt.Errorf("ledger: debit and release: %w", err)
	}
	return nil
}

// ReleaseTx decrements only held inside tx.
func ReleaseTx(ctx context.Context, tx *sql.Tx, accountID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	var held int64
	err := tx.QueryRowContext(ctx, `
		UPDATE accounts SET held = held - $2, updated_at = NOW()
		WHERE id = $1 AND held >= $2
		RETURNING held
	`, accountID, amount).Scan(&held)

	if err == sql.ErrNoRows {
		return underflowOrMissing(ctx, tx, accountID)
	}
	if err != nil {
		return fmt.Errorf("ledger: release: %w", err)
	}
	return nil
}

func underflowOrMissing(ctx context.Context, tx *sql.Tx, accountID string) error {
	var exists bool
	err := tx.QueryRowContext(ctx, `SELECT true FROM accounts WHERE id = $1`, accountID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("ledger: check account: %w", err)
	}
	return ErrHeldUnderflow
}
