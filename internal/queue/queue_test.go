package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	base := 5 * time.Second
	max := 5 * time.Minute

	assert.Equal(t, 5*time.Second, Backoff(1, base, max))
	assert.Equal(t, 10*time.Second, Backoff(2, base, max))
	assert.Equal(t, 20*time.Second, Backoff(3, base, max))
	assert.Equal(t, 40*time.Second, Backoff(4, base, max))

	// Capped at max, including attempt values large enough to overflow.
	assert.Equal(t, max, Backoff(10, base, max))
	assert.Equal(t, max, Backoff(500, base, max))

	// Out-of-range attempt clamps to the first delay.
	assert.Equal(t, 5*time.Second, Backoff(0, base, max))
	assert.Equal(t, 5*time.Second, Backoff(-3, base, max))
}

func TestPermanentMarker(t *testing.T) {
	base := errors.New("bad payload")

	assert.False(t, IsPermanent(base))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.Nil(t, Permanent(nil))

	// Survives wrapping.
	wrapped := errors.New("outer")
	assert.True(t, IsPermanent(Permanent(wrapped)))
	assert.ErrorIs(t, Permanent(base), base)
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage("generation", map[string]string{"asset": "a1"})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "generation", msg.Queue)
	assert.Equal(t, 0, msg.Attempt)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "a1", payload["asset"])
}

func TestMemoryEnqueueAndDrain(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 0; i < 3; i++ {
		_, err := m.Enqueue(ctx, "generation", map[string]int{"n": i})
		require.NoError(t, err)
	}
	assert.Len(t, m.Messages("generation"), 3)
	assert.Empty(t, m.Messages("other"))

	var seen []int
	err := m.Drain(ctx, "generation", func(_ context.Context, msg Message) error {
		var payload map[string]int
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		seen = append(seen, payload["n"])
		assert.Equal(t, 1, msg.Attempt)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, seen, "delivered in enqueue order")
	assert.Empty(t, m.Messages("generation"))
}

func TestMemoryDrainFollowsHandlerEnqueues(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Enqueue(ctx, "generation", map[string]string{"stage": "one"})
	require.NoError(t, err)

	count := 0
	err = m.Drain(ctx, "generation", func(ctx context.Context, msg Message) error {
		count++
		if count == 1 {
			_, err := m.Enqueue(ctx, "generation", map[string]string{"stage": "two"})
			return err
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMemoryDrainStopsOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 0; i < 2; i++ {
		_, err := m.Enqueue(ctx, "generation", map[string]int{"n": i})
		require.NoError(t, err)
	}

	boom := errors.New("boom")
	err := m.Drain(ctx, "generation", func(context.Context, Message) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Len(t, m.Messages("generation"), 1, "second message stays queued")
}
