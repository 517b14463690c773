package reservation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/morphify/engine/internal/catalog"
	"github.com/morphify/engine/internal/metrics"
)

// Manager prices a generation request against the catalog and drives the
// reserve/commit/cancel saga over the Store.
type Manager struct {
	store   Store
	catalog catalog.Store
	log     zerolog.Logger
}

// NewManager creates a Manager.
func NewManager(store Store, cat catalog.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:   store,
		catalog: cat,
		log:     logger.With().Str("component", "reservation_manager").Logger(),
	}
}

// Cost computes the credit cost for count images of a model, plus the
// filter's additional cost when a filter is selected.
func (m *Manager) Cost(ctx context.Context, modelID string, count int, filterID string) (int64, error) {
	if count <= 0 {
		return 0, ErrInvalidCount
	}

	model, err := m.catalog.ModelByID(ctx, modelID)
	if err != nil {
		return 0, err
	}

	cost := model.CostPerCall * int64(count)

	if filterID != "" {
		filter, err := m.catalog.FilterByID(ctx, filterID)
		if err != nil {
			return 0, err
		}
		// Filters are priced for one model; attaching them elsewhere would
		// charge the wrong surcharge.
		if filter.ModelID != modelID {
			return 0, fmt.Errorf("%w: filter %s is not available for model %s", catalog.ErrFilterNotFound, filterID, modelID)
		}
		cost += filter.AdditionalCost
	}

	return cost, nil
}

// Reserve holds the computed cost against the account and creates a
// PROCESSING reservation, atomically. On ledger.ErrInsufficientFunds the
// account is untouched and the request must be rejected outright.
func (m *Manager) Reserve(ctx context.Context, accountID, modelID string, count int, filterID string) (Reservation, error) {
	cost, err := m.Cost(ctx, modelID, count, filterID)
	if err != nil {
		return Reservation{}, err
	}

	res, err := m.store.Reserve(ctx, accountID, cost)
	if err != nil {
		return Reservation{}, err
	}

	m.log.Info().
		Str("reservation_id", res.ID).
		Str("account_id", accountID).
		Str("model_id", modelID).
		Int("count", count).
		Int64("amount", cost).
		Msg("credits held")

	return res, nil
}

// Commit converts the hold into a charge. The underlying transition is
// guarded: a second call on an already-COMPLETED reservation returns
// ErrInvalidState and never mutates the ledger twice.
func (m *Manager) Commit(ctx context.Context, reservationID string) error {
	res, err := m.store.Complete(ctx, reservationID)
	if err != nil {
		return fmt.Errorf("reservation: commit %s: %w", reservationID, err)
	}

	metrics.CreditsCharged.Add(float64(res.Amount))
	m.log.Info().
		Str("reservation_id", res.ID).
		Str("account_id", res.AccountID).
		Int64("amount", res.Amount).
		Msg("reservation committed")

	return nil
}

// Cancel releases the hold without charging. Same once-only guard as Commit.
func (m *Manager) Cancel(ctx context.Context, reservationID string) error {
	res, err := m.store.Fail(ctx, reservationID)
	if err != nil {
		return fmt.Errorf("reservation: cancel %s: %w", reservationID, err)
	}

	m.log.Info().
		Str("reservation_id", res.ID).
		Str("account_id", res.AccountID).
		Int64("amount", res.Amount).
		Msg("reservation cancelled, hold released")

	return nil
}

// Get returns one reservation.
func (m *Manager) Get(ctx context.Context, reservationID string) (Reservation, error) {
	return m.store.Get(ctx, reservationID)
}
