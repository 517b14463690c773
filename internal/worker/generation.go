package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/morphify/engine/internal/asset"
	"github.com/morphify/engine/internal/metrics"
	"github.com/morphify/engine/internal/provider"
	"github.com/morphify/engine/internal/queue"
	"github.com/morphify/engine/internal/reservation"
)

// Generation consumes stage-1 jobs: call the provider, then settle the
// reservation.
//
// Refund policy: a transient provider failure does NOT touch the
// reservation. The user has not been charged yet, and refunding mid-retry
// would release the hold while a redelivery could still succeed and commit.
// Only retry exhaustion or a permanent provider error cancels the hold, and
// the guarded reservation transition makes that refund happen exactly once.
type Generation struct {
	registry     *provider.Registry
	reservations *reservation.Manager
	assets       asset.Store
	enqueuer     queue.Enqueuer
	maxAttempts  int
	log          zerolog.Logger
}

// NewGeneration creates the stage-1 consumer.
func NewGeneration(
	registry *provider.Registry,
	reservations *reservation.Manager,
	assets asset.Store,
	enqueuer queue.Enqueuer,
	maxAttempts int,
	logger zerolog.Logger,
) *Generation {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Generation{
		registry:     registry,
		reservations: reservations,
		assets:       assets,
		enqueuer:     enqueuer,
		maxAttempts:  maxAttempts,
		log:          logger.With().Str("component", "generation_worker").Logger(),
	}
}

// Handle processes one generation job delivery.
func (w *Generation) Handle(ctx context.Context, msg queue.Message) error {
	var job GenerationJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return queue.Permanent(fmt.Errorf("generation: decode job: %w", err))
	}
	if len(job.AssetIDs) == 0 {
		return queue.Permanent(fmt.Errorf("generation: job %s has no assets", msg.ID))
	}

	log := w.log.With().
		Str("reservation_id", job.ReservationID).
		Str("provider", job.Provider).
		Str("model", job.Model).
		Int("attempt", msg.Attempt).
		Logger()

	if msg.Attempt > 1 {
		metrics.JobRetries.WithLabelValues(GenerationQueue).Inc()
	}

	// A redelivery after a crash may find the work already settled. The
	// reservation status is the authority: anything but PROCESSING means a
	// previous delivery got as far as commit or refund.
	res, err := w.reservations.Get(ctx, job.ReservationID)
	if err != nil {
		if errors.Is(err, reservation.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("generation: reservation %s: %w", job.ReservationID, err))
		}
		return fmt.Errorf("generation: load reservation: %w", err)
	}
	if res.Status != reservation.StatusProcessing {
		log.Warn().Str("status", string(res.Status)).Msg("reservation already settled, skipping delivery")
		return nil
	}

	adapter, err := w.registry.Resolve(job.Provider, job.Model)
	if err != nil {
		return w.fail(ctx, job, log, err, true)
	}

	out, err := adapter.Generate(ctx, provider.Input{
		Prompt:   job.Prompt,
		ImageURL: job.ImageURL,
		Count:    len(job.AssetIDs),
	})
	if err != nil {
		return w.fail(ctx, job, log, err, !provider.IsTransient(err))
	}

	switch out.Kind {
	case provider.KindAsync:
		return w.recordAsync(ctx, job, log, out)
	case provider.KindURL, provider.KindInline:
		if len(job.AssetIDs) != 1 {
			err := fmt.Errorf("generation: synchronous provider returned one output for %d assets", len(job.AssetIDs))
			return w.fail(ctx, job, log, err, true)
		}
		return w.settle(ctx, job, log, out)
	default:
		return w.fail(ctx, job, log, fmt.Errorf("generation: unknown output kind %q", out.Kind), true)
	}
}

// recordAsync stores the provider request id on every asset in the batch and
// acks. The webhook reconciler owns commit/refund from here; the assets stay
// PENDING and the reservation stays PROCESSING.
func (w *Generation) recordAsync(ctx context.Context, job GenerationJob, log zerolog.Logger, out provider.Output) error {
	if out.ProviderRequestID == "" {
		return w.fail(ctx, job, log, fmt.Errorf("generation: async output missing provider request id"), true)
	}

	for _, id := range job.AssetIDs {
		if err := w.assets.SetProviderRequestID(ctx, id, out.ProviderRequestID); err != nil {
			return fmt.Errorf("generation: record provider request id on %s: %w", id, err)
		}
	}

	metrics.GenerationsSubmitted.WithLabelValues(job.Provider).Inc()
	log.Info().
		Str("provider_request_id", out.ProviderRequestID).
		Int("assets", len(job.AssetIDs)).
		Msg("job accepted by provider, awaiting webhook")
	return nil
}

// settle runs the success path for a synchronous output: commit the
// reservation, record the output on the asset, hand off to stage 2.
func (w *Generation) settle(ctx context.Context, job GenerationJob, log zerolog.Logger, out provider.Output) error {
	assetID := job.AssetIDs[0]

	if err := w.reservations.Commit(ctx, job.ReservationID); err != nil {
		// InvalidState here means another delivery already committed. The
		// asset updates and stage-2 hand-off are idempotent, so fall
		// through rather than abandoning a half-finished settlement.
		if !errors.Is(err, reservation.ErrInvalidState) {
			return fmt.Errorf("generation: commit: %w", err)
		}
		log.Warn().Msg("reservation already committed by an earlier delivery")
	} else {
		metrics.ReservationsCommitted.Inc()
	}

	switch out.Kind {
	case provider.KindURL:
		// The provider URL is shown immediately; materialization swaps in
		// the permanent location in the background.
		if err := w.assets.MarkGeneratedProvisional(ctx, assetID, out.ProviderRequestID, out.Data); err != nil {
			return w.handoffFailure(ctx, assetID, log, fmt.Errorf("mark provisional: %w", err))
		}
	case provider.KindInline:
		if err := w.assets.MarkUploading(ctx, assetID, out.ProviderRequestID); err != nil {
			return w.handoffFailure(ctx, assetID, log, fmt.Errorf("mark uploading: %w", err))
		}
	}

	matJob := MaterializationJob{AssetID: assetID, SourceKind: SourceURL, Source: out.Data}
	if out.Kind == provider.KindInline {
		matJob.SourceKind = SourceInline
	}
	if _, err := w.enqueuer.Enqueue(ctx, MaterializationQueue, matJob); err != nil {
		return w.handoffFailure(ctx, assetID, log, fmt.Errorf("enqueue materialization: %w", err))
	}

	metrics.GenerationsCompleted.WithLabelValues(job.Provider, "generated").Inc()
	log.Info().Str("asset_id", assetID).Msg("generation succeeded, reservation committed")
	return nil
}

// handoffFailure records the post-commit inconsistency. The provider has
// already produced output and the charge stands; marking the asset FAILED
// with a distinguishing reason flags the row for manual reconciliation
// instead of silently refunding a delivered generation.
func (w *Generation) handoffFailure(ctx context.Context, assetID string, log zerolog.Logger, cause error) error {
	reason := fmt.Sprintf("post-commit handoff failed: %v", cause)
	log.Error().Err(cause).Str("asset_id", assetID).Msg("handoff failed after commit, flagging for reconciliation")

	if err := w.assets.MarkFailed(ctx, assetID, reason); err != nil {
		log.Error().Err(err).Str("asset_id", assetID).Msg("could not record handoff failure on asset")
	}
	// Acked: a redelivery would regenerate and hit the committed
	// reservation, not repair anything.
	return nil
}

// fail runs the failure path. permanent short-circuits the retry budget;
// otherwise the job is redelivered until the authoritative per-asset attempt
// counter reaches the limit.
func (w *Generation) fail(ctx context.Context, job GenerationJob, log zerolog.Logger, cause error, permanent bool) error {
	attempts := 0
	for _, id := range job.AssetIDs {
		n, err := w.assets.RecordFailure(ctx, id, cause.Error())
		if err != nil {
			return fmt.Errorf("generation: record failure on %s: %w", id, err)
		}
		if n > attempts {
			attempts = n
		}
	}

	if !permanent && attempts < w.maxAttempts {
		log.Warn().Err(cause).Int("attempts", attempts).Msg("transient provider failure, will retry")
		return fmt.Errorf("generation: attempt %d: %w", attempts, cause)
	}

	// Terminal: refund the hold exactly once and close out the assets.
	if err := w.reservations.Cancel(ctx, job.ReservationID); err != nil {
		if !errors.Is(err, reservation.ErrInvalidState) {
			return fmt.Errorf("generation: cancel: %w", err)
		}
		log.Warn().Msg("reservation already settled, skipping refund")
	} else {
		metrics.ReservationsRefunded.Inc()
	}

	for _, id := range job.AssetIDs {
		if err := w.assets.MarkFailed(ctx, id, cause.Error()); err != nil {
			log.Error().Err(err).Str("asset_id", id).Msg("could not mark asset failed")
		}
	}

	metrics.GenerationsCompleted.WithLabelValues(job.Provider, "failed").Inc()
	log.Warn().
		Err(cause).
		Int("attempts", attempts).
		Bool("permanent", permanent).
		Msg("generation failed terminally, hold released")

	return queue.Permanent(cause)
}
