package reservation

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morphify/engine/internal/catalog"
	"github.com/morphify/engine/internal/ledger"
	"github.com/morphify/engine/internal/metrics"
)

func newManager(t *testing.T, balance int64) (*Manager, *ledger.Memory) {
	t.Helper()

	ctx := context.Background()
	l := ledger.NewMemory()
	require.NoError(t, l.EnsureAccount(ctx, "acct"))
	if balance > 0 {
		require.NoError(t, l.Grant(ctx, "acct", balance))
	}

	cat := catalog.NewMemory()
	cat.AddModel(catalog.Model{ID: "model_a", Name: "flux-lora", Provider: "falai", CostPerCall: 5})
	cat.AddModel(catalog.Model{ID: "model_b", Name: "gpt-image-1", Provider: "openai", CostPerCall: 2})
	cat.AddFilter(catalog.Filter{ID: "filter_x", Name: "Cinematic", ModelID: "model_a", AdditionalCost: 3})

	return NewManager(NewMemoryStore(l), cat, zerolog.Nop()), l
}

func TestCostComputation(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, 0)

	cost, err := m.Cost(ctx, "model_a", 2, "")
	require.NoError(t, err)
	assert.Equal(t, int64(10), cost)

	cost, err = m.Cost(ctx, "model_a", 2, "filter_x")
	require.NoError(t, err)
	assert.Equal(t, int64(13), cost, "filter cost is added once, not per image")

	_, err = m.Cost(ctx, "missing", 1, "")
	assert.ErrorIs(t, err, catalog.ErrModelNotFound)

	_, err = m.Cost(ctx, "model_a", 1, "missing")
	assert.ErrorIs(t, err, catalog.ErrFilterNotFound)

	_, err = m.Cost(ctx, "model_a", 0, "")
	assert.ErrorIs(t, err, ErrInvalidCount)
}

func TestFilterBoundToItsModel(t *testing.T) {
	ctx := context.Background()
	m, l := newManager(t, 100)

	// filter_x is priced for model_a; attaching it to model_b is rejected.
	_, err := m.Cost(ctx, "model_b", 1, "filter_x")
	assert.ErrorIs(t, err, catalog.ErrFilterNotFound)

	_, err = m.Reserve(ctx, "acct", "model_b", 1, "filter_x")
	assert.ErrorIs(t, err, catalog.ErrFilterNotFound)

	bal, err := l.GetBalance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Held, "a rejected filter must not move money")
}

func TestReserveHoldsFunds(t *testing.T) {
	ctx := context.Background()
	m, l := newManager(t, 100)

	res, err := m.Reserve(ctx, "acct", "model_b", 1, "")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, res.Status)
	assert.Equal(t, int64(2), res.Amount)

	bal, err := l.GetBalance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Balance)
	assert.Equal(t, int64(2), bal.Held)
	assert.Equal(t, int64(98), bal.Available())
}

func TestReserveInsufficientFundsLeavesAccountUntouched(t *testing.T) {
	ctx := context.Background()
	m, l := newManager(t, 4)

	_, err := m.Reserve(ctx, "acct", "model_a", 1, "")
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	bal, err := l.GetBalance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(4), bal.Balance)
	assert.Equal(t, int64(0), bal.Held)
}

func TestCommitChargesOnce(t *testing.T) {
	ctx := context.Background()
	m, l := newManager(t, 100)

	res, err := m.Reserve(ctx, "acct", "model_b", 1, "")
	require.NoError(t, err)

	charged := testutil.ToFloat64(metrics.CreditsCharged)
	require.NoError(t, m.Commit(ctx, res.ID))
	assert.Equal(t, charged+float64(res.Amount), testutil.ToFloat64(metrics.CreditsCharged))

	bal, err := l.GetBalance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(98), bal.Balance)
	assert.Equal(t, int64(0), bal.Held)

	// Second commit must fail loudly and not touch the ledger again.
	err = m.Commit(ctx, res.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, charged+float64(res.Amount), testutil.ToFloat64(metrics.CreditsCharged),
		"only the successful commit records charged credits")

	bal, err = l.GetBalance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(98), bal.Balance)
	assert.Equal(t, int64(0), bal.Held)
}

func TestCancelRefundsOnce(t *testing.T) {
	ctx := context.Background()
	m, l := newManager(t, 100)

	res, err := m.Reserve(ctx, "acct", "model_b", 1, "")
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, res.ID))

	bal, err := l.GetBalance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Balance)
	assert.Equal(t, int64(0), bal.Held)

	assert.ErrorIs(t, m.Cancel(ctx, res.ID), ErrInvalidState)
	assert.ErrorIs(t, m.Commit(ctx, res.ID), ErrInvalidState)

	bal, err = l.GetBalance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Balance)
	assert.Equal(t, int64(0), bal.Held)
}

func TestCommitUnknownReservation(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, 100)

	assert.ErrorIs(t, m.Commit(ctx, "missing"), ErrNotFound)
	assert.ErrorIs(t, m.Cancel(ctx, "missing"), ErrNotFound)
}

// TestConcurrentReserveRace: with available exactly equal to one cost, two
// concurrent reserves must admit exactly one.
func TestConcurrentReserveRace(t *testing.T) {
	ctx := context.Background()
	m, l := newManager(t, 5)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Reserve(ctx, "acct", "model_a", 1, "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		}
	}
	assert.Equal(t, 1, succeeded)

	bal, err := l.GetBalance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal.Held)
	assert.Equal(t, int64(0), bal.Available())
}

func TestListByAccount(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, 100)

	for i := 0; i < 3; i++ {
		_, err := m.Reserve(ctx, "acct", "model_b", 1, "")
		require.NoError(t, err)
	}

	store := m.store.(*MemoryStore)
	list, err := store.ListByAccount(ctx, "acct", 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
