package reservation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morphify/engine/internal/ledger"
)

// MemoryStore is an in-memory Store over a ledger.Memory, mirroring the
// PostgresStore atomicity: hold plus row insert, and guarded transition plus
// ledger mutation, each happen under one lock.
type MemoryStore struct {
	mu           sync.Mutex
	ledger       *ledger.Memory
	reservations map[string]*Reservation
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore over the given in-memory ledger.
func NewMemoryStore(l *ledger.Memory) *MemoryStore {
	return &MemoryStore{
		ledger:       l,
		reservations: make(map[string]*Reservation),
	}
}

// Reserve holds amount and inserts the PROCESSING row atomically.
func (s *MemoryStore) Reserve(ctx context.Context, accountID string, amount int64) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ledger.Hold(ctx, accountID, amount); err != nil {
		return Reservation{}, err
	}

	res := Reservation{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Amount:    amount,
		Status:    StatusProcessing,
		CreatedAt: time.Now(),
	}
	cp := res
	s.reservations[res.ID] = &cp
	return res, nil
}

// Get returns one reservation.
func (s *MemoryStore) Get(_ context.Context, id string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	return *res, nil
}

// ListByAccount returns the newest reservations for an account.
func (s *MemoryStore) ListByAccount(_ context.Context, accountID string, limit int) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []Reservation
	for _, res := range s.reservations {
		if res.AccountID == accountID {
			out = append(out, *res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Complete transitions PROCESSING -> COMPLETED and debits the hold.
func (s *MemoryStore) Complete(ctx context.Context, id string) (Reservation, error) {
	return s.transition(ctx, id, StatusCompleted, s.ledger.DebitAndRelease)
}

// Fail transitions PROCESSING -> FAILED and releases the hold.
func (s *MemoryStore) Fail(ctx context.Context, id string) (Reservation, error) {
	return s.transition(ctx, id, StatusFailed, s.ledger.Release)
}

func (s *MemoryStore) transition(
	ctx context.Context,
	id string,
	to Status,
	mutate func(context.Context, string, int64) error,
) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	if res.Status != StatusProcessing {
		return Reservation{}, ErrInvalidState
	}

	if err := mutate(ctx, res.AccountID, res.Amount); err != nil {
		return Reservation{}, err
	}
	res.Status = to
	return *res, nil
}
