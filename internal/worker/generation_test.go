package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morphify/engine/internal/asset"
	"github.com/morphify/engine/internal/catalog"
	"github.com/morphify/engine/internal/ledger"
	"github.com/morphify/engine/internal/provider"
	"github.com/morphify/engine/internal/provider/mock"
	"github.com/morphify/engine/internal/queue"
	"github.com/morphify/engine/internal/reservation"
)

type genHarness struct {
	ledger   *ledger.Memory
	assets   *asset.Memory
	manager  *reservation.Manager
	adapter  *mock.Adapter
	enqueuer *queue.Memory
	worker   *Generation
	job      GenerationJob
}

// newGenHarness funds one account with 100 credits, reserves a 2-credit
// generation, and creates the placeholder asset, mirroring the accept path.
func newGenHarness(t *testing.T) *genHarness {
	t.Helper()
	ctx := context.Background()

	l := ledger.NewMemory()
	require.NoError(t, l.EnsureAccount(ctx, "acct"))
	require.NoError(t, l.Grant(ctx, "acct", 100))

	cat := catalog.NewMemory()
	cat.AddModel(catalog.Model{ID: "model_a", Name: "mock-model", Provider: "mock", CostPerCall: 2})

	manager := reservation.NewManager(reservation.NewMemoryStore(l), cat, zerolog.Nop())
	res, err := manager.Reserve(ctx, "acct", "model_a", 1, "")
	require.NoError(t, err)

	assets := asset.NewMemory()
	require.NoError(t, assets.Create(ctx, asset.Asset{
		ID:            "asset-1",
		AccountID:     "acct",
		ReservationID: res.ID,
		Status:        asset.StatusPending,
	}))

	adapter := mock.New()
	registry := provider.NewRegistry()
	registry.Register("mock", "mock-model", adapter)

	enqueuer := queue.NewMemory()
	w := NewGeneration(registry, manager, assets, enqueuer, 3, zerolog.Nop())

	return &genHarness{
		ledger:   l,
		assets:   assets,
		manager:  manager,
		adapter:  adapter,
		enqueuer: enqueuer,
		worker:   w,
		job: GenerationJob{
			ReservationID: res.ID,
			AccountID:     "acct",
			Provider:      "mock",
			Model:         "mock-model",
			AssetIDs:      []string{"asset-1"},
			Prompt:        "a lighthouse at dusk",
		},
	}
}

func (h *genHarness) deliver(t *testing.T, attempt int) error {
	t.Helper()
	payload, err := json.Marshal(h.job)
	require.NoError(t, err)
	return h.worker.Handle(context.Background(), queue.Message{
		ID:      "msg-1",
		Queue:   GenerationQueue,
		Attempt: attempt,
		Payload: payload,
	})
}

func (h *genHarness) balance(t *testing.T) ledger.Balance {
	t.Helper()
	bal, err := h.ledger.GetBalance(context.Background(), "acct")
	require.NoError(t, err)
	return bal
}

func TestGenerationSuccessCommitsAndHandsOff(t *testing.T) {
	h := newGenHarness(t)

	require.NoError(t, h.deliver(t, 1))

	// Charged exactly the held amount.
	bal := h.balance(t)
	assert.Equal(t, int64(98), bal.Balance)
	assert.Equal(t, int64(0), bal.Held)

	res, err := h.manager.Get(context.Background(), h.job.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusCompleted, res.Status)

	// URL output: provisional GENERATED with the provider URL visible.
	a, err := h.assets.Get(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.Equal(t, asset.StatusGenerated, a.Status)
	assert.Equal(t, "https://provider.example/outputs/mock.png", a.OutputLocation)

	// Stage-2 hand-off carries the same URL.
	msgs := h.enqueuer.Messages(MaterializationQueue)
	require.Len(t, msgs, 1)
	var matJob MaterializationJob
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &matJob))
	assert.Equal(t, "asset-1", matJob.AssetID)
	assert.Equal(t, SourceURL, matJob.SourceKind)
	assert.Equal(t, "https://provider.example/outputs/mock.png", matJob.Source)
}

func TestGenerationInlineSuccessMarksUploading(t *testing.T) {
	h := newGenHarness(t)
	h.adapter.Output = provider.Output{
		Kind: provider.KindInline,
		Data: "aGVsbG8=",
	}

	require.NoError(t, h.deliver(t, 1))

	a, err := h.assets.Get(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.Equal(t, asset.StatusUploading, a.Status)

	msgs := h.enqueuer.Messages(MaterializationQueue)
	require.Len(t, msgs, 1)
	var matJob MaterializationJob
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &matJob))
	assert.Equal(t, SourceInline, matJob.SourceKind)
	assert.Equal(t, "aGVsbG8=", matJob.Source)
}

func TestGenerationTransientFailuresThenRefund(t *testing.T) {
	h := newGenHarness(t)
	upstream := provider.Transient(errors.New("upstream 503"))
	h.adapter.FailNext(upstream, upstream, upstream)

	// Attempts 1 and 2: retryable errors, reservation untouched.
	for attempt := 1; attempt <= 2; attempt++ {
		err := h.deliver(t, attempt)
		require.Error(t, err)
		assert.False(t, queue.IsPermanent(err))

		bal := h.balance(t)
		assert.Equal(t, int64(100), bal.Balance)
		assert.Equal(t, int64(2), bal.Held, "hold must survive an in-progress retry")
	}

	// Attempt 3 exhausts the budget: exactly one release, asset FAILED.
	err := h.deliver(t, 3)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))

	bal := h.balance(t)
	assert.Equal(t, int64(100), bal.Balance)
	assert.Equal(t, int64(0), bal.Held)

	res, err := h.manager.Get(context.Background(), h.job.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusFailed, res.Status)

	a, err := h.assets.Get(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.Equal(t, asset.StatusFailed, a.Status)
	assert.Contains(t, a.FailReason, "upstream 503")
	assert.Equal(t, 3, a.Attempt)
	assert.Empty(t, h.enqueuer.Messages(MaterializationQueue))
}

func TestGenerationSucceedsOnSecondAttempt(t *testing.T) {
	h := newGenHarness(t)
	h.adapter.FailNext(provider.Transient(errors.New("timeout")))

	require.Error(t, h.deliver(t, 1))
	require.NoError(t, h.deliver(t, 2))

	// Exactly one commit, no release: charged once.
	bal := h.balance(t)
	assert.Equal(t, int64(98), bal.Balance)
	assert.Equal(t, int64(0), bal.Held)

	res, err := h.manager.Get(context.Background(), h.job.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusCompleted, res.Status)
	assert.Equal(t, 2, h.adapter.Calls())
}

func TestGenerationPermanentFailureRefundsImmediately(t *testing.T) {
	h := newGenHarness(t)
	h.adapter.FailNext(errors.New("content policy violation"))

	err := h.deliver(t, 1)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err), "unmarked provider errors skip the retry budget")

	bal := h.balance(t)
	assert.Equal(t, int64(100), bal.Balance)
	assert.Equal(t, int64(0), bal.Held)

	a, err := h.assets.Get(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.Equal(t, asset.StatusFailed, a.Status)
	assert.Contains(t, a.FailReason, "content policy violation")
}

func TestGenerationAsyncRecordsRequestIDWithoutCommit(t *testing.T) {
	h := newGenHarness(t)
	h.adapter.Output = provider.Output{
		Kind:              provider.KindAsync,
		ProviderRequestID: "fal-req-42",
	}

	require.NoError(t, h.deliver(t, 1))

	// No commit: the webhook reconciler settles the saga later.
	bal := h.balance(t)
	assert.Equal(t, int64(100), bal.Balance)
	assert.Equal(t, int64(2), bal.Held)

	a, err := h.assets.Get(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.Equal(t, asset.StatusPending, a.Status)
	assert.Equal(t, "fal-req-42", a.ProviderRequestID)
	assert.Empty(t, h.enqueuer.Messages(MaterializationQueue))
}

func TestGenerationSettledReservationSkipsRedelivery(t *testing.T) {
	h := newGenHarness(t)

	require.NoError(t, h.deliver(t, 1))
	require.NoError(t, h.deliver(t, 2), "redelivery of a settled job is a no-op")

	assert.Equal(t, 1, h.adapter.Calls(), "provider must not be called again")

	bal := h.balance(t)
	assert.Equal(t, int64(98), bal.Balance)
	assert.Equal(t, int64(0), bal.Held)
	assert.Len(t, h.enqueuer.Messages(MaterializationQueue), 1)
}

// failingEnqueuer simulates an unavailable downstream queue.
type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, string, interface{}) (queue.Message, error) {
	return queue.Message{}, fmt.Errorf("redis: connection refused")
}

func TestGenerationHandoffFailureKeepsCommit(t *testing.T) {
	h := newGenHarness(t)
	h.worker = NewGeneration(
		registryWith(h.adapter), h.manager, h.assets, failingEnqueuer{}, 3, zerolog.Nop(),
	)

	// Acked despite the broken hand-off: a redelivery could not repair it.
	require.NoError(t, h.deliver(t, 1))

	// The charge stands; the asset records the inconsistency.
	bal := h.balance(t)
	assert.Equal(t, int64(98), bal.Balance)
	assert.Equal(t, int64(0), bal.Held)

	res, err := h.manager.Get(context.Background(), h.job.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusCompleted, res.Status)

	a, err := h.assets.Get(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.Equal(t, asset.StatusFailed, a.Status)
	assert.Contains(t, a.FailReason, "post-commit handoff failed")
}

func TestGenerationUndecodableJobIsPermanent(t *testing.T) {
	h := newGenHarness(t)

	err := h.worker.Handle(context.Background(), queue.Message{
		ID:      "msg-bad",
		Attempt: 1,
		Payload: json.RawMessage(`{not json`),
	})
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}

func registryWith(a provider.Adapter) *provider.Registry {
	r := provider.NewRegistry()
	r.Register("mock", "mock-model", a)
	return r
}
