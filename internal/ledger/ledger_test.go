package ledger

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFunded(t *testing.T, accountID string, amount int64) *Memory {
	t.Helper()
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.EnsureAccount(ctx, accountID))
	require.NoError(t, m.Grant(ctx, accountID, amount))
	return m
}

func TestHoldAndCommit(t *testing.T) {
	ctx := context.Background()
	m := newFunded(t, "acct", 100)

	require.NoError(t, m.Hold(ctx, "acct", 30))

	bal, err := m.GetBalance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Balance)
	assert.Equal(t, int64(30), bal.Held)
	assert.Equal(t, int64(70), bal.Available())

	require.NoError(t, m.DebitAndRelease(ctx, "acct", 30))

	bal, err = m.GetBalance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(70), bal.Balance)
	assert.Equal(t, int64(0), bal.Held)
}

func TestHoldAndRelease(t *testing.T) {
	ctx := context.Background()
	m := newFunded(t, "acct", 100)

	require.NoError(t, m.Hold(ctx, "acct", 30))
	require.NoError(t, m.Release(ctx, "acct", 30))

	bal, err := m.GetBalance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Balance)
	assert.Equal(t, int64(0), bal.Held)
}

func TestHoldInsufficientFundsHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	m := newFunded(t, "acct", 10)

	err := m.Hold(ctx, "acct", 11)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	bal, err := m.GetBalance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal.Balance)
	assert.Equal(t, int64(0), bal.Held)
}

func TestHoldCountsExistingHolds(t *testing.T) {
	ctx := context.Background()
	m := newFunded(t, "acct", 10)

	require.NoError(t, m.Hold(ctx, "acct", 7))
	assert.ErrorIs(t, m.Hold(ctx, "acct", 4), ErrInsufficientFunds)
	require.NoError(t, m.Hold(ctx, "acct", 3))
}

func TestUnknownAccount(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.GetBalance(ctx, "nope")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.ErrorIs(t, m.Hold(ctx, "nope", 1), ErrAccountNotFound)
	assert.ErrorIs(t, m.Grant(ctx, "nope", 1), ErrAccountNotFound)
}

func TestInvalidAmounts(t *testing.T) {
	ctx := context.Background()
	m := newFunded(t, "acct", 100)

	assert.ErrorIs(t, m.Hold(ctx, "acct", 0), ErrInvalidAmount)
	assert.ErrorIs(t, m.Hold(ctx, "acct", -5), ErrInvalidAmount)
	assert.ErrorIs(t, m.Grant(ctx, "acct", 0), ErrInvalidAmount)
	assert.ErrorIs(t, m.Release(ctx, "acct", -1), ErrInvalidAmount)
}

func TestReleaseUnderflow(t *testing.T) {
	ctx := context.Background()
	m := newFunded(t, "acct", 100)

	require.NoError(t, m.Hold(ctx, "acct", 5))
	assert.ErrorIs(t, m.Release(ctx, "acct", 6), ErrHeldUnderflow)
	assert.ErrorIs(t, m.DebitAndRelease(ctx, "acct", 6), ErrHeldUnderflow)
}

// TestInvariantUnderRandomSequences drives random grant/hold/commit/release
// sequences and checks available = balance - held >= 0 after every step.
func TestInvariantUnderRandomSequences(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	m := newFunded(t, "acct", 50)
	var outstanding []int64

	for i := 0; i < 5000; i++ {
		switch rng.Intn(4) {
		case 0:
			m.Grant(ctx, "acct", int64(rng.Intn(20)+1))
		case 1:
			amount := int64(rng.Intn(30) + 1)
			if err := m.Hold(ctx, "acct", amount); err == nil {
				outstanding = append(outstanding, amount)
			}
		case 2:
			if len(outstanding) > 0 {
				amount := outstanding[len(outstanding)-1]
				outstanding = outstanding[:len(outstanding)-1]
				require.NoError(t, m.DebitAndRelease(ctx, "acct", amount))
			}
		case 3:
			if len(outstanding) > 0 {
				amount := outstanding[0]
				outstanding = outstanding[1:]
				require.NoError(t, m.Release(ctx, "acct", amount))
			}
		}

		bal, err := m.GetBalance(ctx, "acct")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, bal.Available(), int64(0), "available went negative at step %d", i)
		assert.GreaterOrEqual(t, bal.Held, int64(0))

		var heldSum int64
		for _, h := range outstanding {
			heldSum += h
		}
		assert.Equal(t, heldSum, bal.Held, "held total diverged from outstanding holds at step %d", i)
	}
}

// TestConcurrentHolds checks that concurrent holds never overdraw the
// available balance.
func TestConcurrentHolds(t *testing.T) {
	ctx := context.Background()
	m := newFunded(t, "acct", 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Hold(ctx, "acct", 10); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded, "exactly 100/10 holds should fit")

	bal, err := m.GetBalance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Held)
	assert.Equal(t, int64(0), bal.Available())
}
