package ledger

import (
	"context"
	"sync"
)

// Memory is an in-memory Ledger with the same semantics as the Postgres
// implementation. Used in tests and single-process tooling.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*Balance
}

var _ Ledger = (*Memory)(nil)

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{accounts: make(map[string]*Balance)}
}

// GetBalance returns the current totals for an account.
func (m *Memory) GetBalance(_ context.Context, accountID string) (Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.accounts[accountID]
	if !ok {
		return Balance{}, ErrAccountNotFound
	}
	return *b, nil
}

// GetAvailable returns balance - held.
func (m *Memory) GetAvailable(ctx context.Context, accountID string) (int64, error) {
	b, err := m.GetBalance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return b.Available(), nil
}

// Hold reserves amount against the available balance.
func (m *Memory) Hold(_ context.Context, accountID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if b.Available() < amount {
		return ErrInsufficientFunds
	}
	b.Held += amount
	return nil
}

// DebitAndRelease converts a hold into an actual charge.
func (m *Memory) DebitAndRelease(_ context.Context, accountID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if b.Held < amount {
		return ErrHeldUnderflow
	}
	b.Balance -= amount
	b.Held -= amount
	return nil
}

// Release reverses a hold without charging.
func (m *Memory) Release(_ context.Context, accountID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if b.Held < amount {
		return ErrHeldUnderflow
	}
	b.Held -= amount
	return nil
}

// Grant increments balance by amount.
func (m *Memory) Grant(_ context.Context, accountID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	b.Balance += amount
	return nil
}

// EnsureAccount creates the account with zero balance if missing.
func (m *Memory) EnsureAccount(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[accountID]; !ok {
		m.accounts[accountID] = &Balance{AccountID: accountID}
	}
	return nil
}
