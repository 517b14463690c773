package asset

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, m.Create(ctx, Asset{
			ID:            id,
			AccountID:     "acct",
			ReservationID: "res-1",
			Status:        StatusPending,
		}))
	}
	return m
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	m := seed(t)

	require.NoError(t, m.SetProviderRequestID(ctx, "a1", "req-1"))
	require.NoError(t, m.MarkUploading(ctx, "a1", "req-1"))
	require.NoError(t, m.MarkGenerated(ctx, "a1", "https://blobs.test/1.png"))

	a, err := m.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusGenerated, a.Status)
	assert.Equal(t, "https://blobs.test/1.png", a.OutputLocation)
	assert.True(t, a.Terminal())

	require.NoError(t, m.MarkFailed(ctx, "a2", "provider exploded"))
	a, err = m.Get(ctx, "a2")
	require.NoError(t, err)
	assert.True(t, a.Terminal())
	assert.Equal(t, "provider exploded", a.FailReason)

	a, err = m.Get(ctx, "a3")
	require.NoError(t, err)
	assert.False(t, a.Terminal())
}

func TestMarkGeneratedClearsStaleFailReason(t *testing.T) {
	ctx := context.Background()
	m := seed(t)

	_, err := m.RecordFailure(ctx, "a1", "flaky network")
	require.NoError(t, err)
	require.NoError(t, m.MarkGenerated(ctx, "a1", "https://blobs.test/1.png"))

	a, err := m.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, a.FailReason, "a recovered asset must not carry an old failure reason")
}

func TestPendingByProviderRequestExcludesTerminal(t *testing.T) {
	ctx := context.Background()
	m := seed(t)

	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, m.SetProviderRequestID(ctx, id, "req-1"))
	}
	require.NoError(t, m.MarkGenerated(ctx, "a1", "https://blobs.test/1.png"))
	require.NoError(t, m.MarkFailed(ctx, "a2", "nope"))

	pending, err := m.PendingByProviderRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "a3", pending[0].ID)

	pending, err = m.PendingByProviderRequest(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMarkUploadingBatch(t *testing.T) {
	ctx := context.Background()
	m := seed(t)

	require.NoError(t, m.MarkUploadingBatch(ctx, []string{"a1", "a2"}))

	for _, id := range []string{"a1", "a2"} {
		a, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusUploading, a.Status)
	}
	a, err := m.Get(ctx, "a3")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, a.Status)
}

// TestRecordFailureCountsEveryCall: concurrent redeliveries must each get a
// distinct attempt number, never a shared stale read.
func TestRecordFailureCountsEveryCall(t *testing.T) {
	ctx := context.Background()
	m := seed(t)

	var wg sync.WaitGroup
	seen := make(chan int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := m.RecordFailure(ctx, "a1", "transient")
			assert.NoError(t, err)
			seen <- n
		}()
	}
	wg.Wait()
	close(seen)

	distinct := map[int]bool{}
	for n := range seen {
		distinct[n] = true
	}
	assert.Len(t, distinct, 10)

	a, err := m.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 10, a.Attempt)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.MarkFailed(ctx, "missing", "x"), ErrNotFound)
	_, err = m.RecordFailure(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByAccountNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := seed(t)

	list, err := m.ListByAccount(ctx, "acct", 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = m.ListByAccount(ctx, "other", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}
