package reservation

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/morphify/engine/internal/ledger"
)

// PostgresStore persists reservations next to the accounts table so the hold
// and the PROCESSING row share one transaction.
type PostgresStore struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore on an existing connection pool.
func NewPostgresStore(db *sql.DB, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		db:  db,
		log: logger.With().Str("component", "reservation_store").Logger(),
	}
}

// Reserve holds amount and inserts the PROCESSING row atomically.
func (s *PostgresStore) Reserve(ctx context.Context, accountID string, amount int64) (Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, fmt.Errorf("reservation: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := ledger.HoldTx(ctx, tx, accountID, amount); err != nil {
		return Reservation{}, err
	}

	res := Reservation{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Amount:    amount,
		Status:    StatusProcessing,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO reservations (id, account_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING created_at
	`, res.ID, res.AccountID, res.Amount, res.Status).Scan(&res.CreatedAt)
	if err != nil {
		return Reservation{}, fmt.Errorf("reservation: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Reservation{}, fmt.Errorf("reservation: commit tx: %w", err)
	}
	return res, nil
}

// Get returns one reservation.
func (s *PostgresStore) Get(ctx context.Context, id string) (Reservation, error) {
	var res Reservation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, amount, status, created_at
		FROM reservations WHERE id = $1
	`, id).Scan(&res.ID, &res.AccountID, &res.Amount, &res.Status, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return Reservation{}, ErrNotFound
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("reservation: get: %w", err)
	}
	return res, nil
}

// ListByAccount returns the newest reservations for an account.
func (s *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]Reservation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, amount, status, created_at
		FROM reservations
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("reservation: list: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var res Reservation
		if err := rows.Scan(&res.ID, &res.AccountID, &res.Amount, &res.Status, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("reservation: scan: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// Complete transitions PROCESSING -> COMPLETED and debits the hold.
func (s *PostgresStore) Complete(ctx context.Context, id string) (Reservation, error) {
	return s.transition(ctx, id, StatusCompleted, ledger.DebitAndReleaseTx)
}

// Fail transitions PROCESSING -> FAILED and releases the hold.
func (s *PostgresStore) Fail(ctx context.Context, id string) (Reservation, error) {
	return s.transition(ctx, id, StatusFailed, ledger.ReleaseTx)
}

// transition applies the guarded state change and the matching ledger
// mutation in one transaction. The WHERE status = PROCESSING clause is the
// once-only guard: under concurrent callers exactly one UPDATE matches and
// the ledger is touched at most once.
func (s *PostgresStore) transition(
	ctx context.Context,
	id string,
	to Status,
	mutate func(context.Context, *sql.Tx, string, int64) error,
) (Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, fmt.Errorf("reservation: begin tx: %w", err)
	}
	defer tx.Rollback()

	var res Reservation
	err = tx.QueryRowContext(ctx, `
		UPDATE reservations SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING id, account_id, amount, status, created_at
	`, id, to, StatusProcessing).Scan(&res.ID, &res.AccountID, &res.Amount, &res.Status, &res.CreatedAt)

	if err == sql.ErrNoRows {
		var exists bool
		err = tx.QueryRowContext(ctx, `SELECT true FROM reservations WHERE id = $1`, id).Scan(&exists)
		if err == sql.ErrNoRows {
			return Reservation{}, ErrNotFound
		}
		if err != nil {
			return Reservation{}, fmt.Errorf("reservation: check exists: %w", err)
		}
		return Reservation{}, ErrInvalidState
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("reservation: transition: %w", err)
	}

	if err := mutate(ctx, tx, res.AccountID, res.Amount); err != nil {
		return Reservation{}, err
	}

	if err := tx.Commit(); err != nil {
		return Reservation{}, fmt.Errorf("reservation: commit tx: %w", err)
	}
	return res, nil
}
