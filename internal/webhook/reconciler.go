// Package webhook correlates asynchronous provider callbacks with the
// pending asset rows they settle.
//
// Providers deliver webhooks at-least-once, so every path through the
// reconciler must tolerate duplicates: a replayed delivery finds no pending
// rows and is a successful no-op, never a second commit.
package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/morphify/engine/internal/asset"
	"github.com/morphify/engine/internal/metrics"
	"github.com/morphify/engine/internal/queue"
	"github.com/morphify/engine/internal/reservation"
	"github.com/morphify/engine/internal/worker"
)

var (
	// ErrCountMismatch - the webhook's output count does not match the
	// pending asset count. Applying partial results would make per-row
	// correlation ambiguous, so the whole delivery is rejected.
	ErrCountMismatch = errors.New("webhook: output count does not match pending assets")

	// ErrMissingRequestID - the payload carried no provider request id.
	ErrMissingRequestID = errors.New("webhook: missing provider request id")
)

// Output is one generated image delivered by a webhook.
type Output struct {
	URL    string // hosted URL, when the provider delivers by reference
	Inline string // base64 payload, when the provider delivers by value
}

// Result is the normalized form of a provider webhook payload. The REST
// layer parses each provider's wire format into this shape.
type Result struct {
	ProviderRequestID string
	Outputs           []Output
	// ErrReason is non-empty when the provider reports the job itself
	// failed. Outputs must be empty in that case.
	ErrReason string
}

// Reconciler applies webhook results to pending assets and settles the
// shared reservation.
type Reconciler struct {
	assets       asset.Store
	reservations *reservation.Manager
	enqueuer     queue.Enqueuer
	log          zerolog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(assets asset.Store, reservations *reservation.Manager, enqueuer queue.Enqueuer, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		assets:       assets,
		reservations: reservations,
		enqueuer:     enqueuer,
		log:          logger.With().Str("component", "webhook_reconciler").Logger(),
	}
}

// Apply processes one normalized webhook delivery for a provider.
func (r *Reconciler) Apply(ctx context.Context, providerName string, result Result) error {
	if result.ProviderRequestID == "" {
		metrics.WebhooksReceived.WithLabelValues(providerName, "rejected").Inc()
		return ErrMissingRequestID
	}

	log := r.log.With().
		Str("provider", providerName).
		Str("provider_request_id", result.ProviderRequestID).
		Logger()

	pending, err := r.assets.PendingByProviderRequest(ctx, result.ProviderRequestID)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(providerName, "error").Inc()
		return fmt.Errorf("webhook: load pending assets: %w", err)
	}

	// Zero pending rows means every asset in the batch already reached a
	// terminal state: this is a replayed delivery.
	if len(pending) == 0 {
		metrics.WebhooksReceived.WithLabelValues(providerName, "replay").Inc()
		log.Info().Msg("webhook replay, all assets already settled")
		return nil
	}

	// The batch shares one reservation.
	reservationID := pending[0].ReservationID

	if result.ErrReason != "" {
		return r.applyFailure(ctx, providerName, reservationID, pending, result.ErrReason, log)
	}

	if len(result.Outputs) != len(pending) {
		metrics.WebhooksReceived.WithLabelValues(providerName, "rejected").Inc()
		log.Warn().
			Int("outputs", len(result.Outputs)).
			Int("pending", len(pending)).
			Msg("webhook output count mismatch, rejecting")
		return fmt.Errorf("%w: %d outputs for %d pending assets", ErrCountMismatch, len(result.Outputs), len(pending))
	}

	// Flip the whole batch in one atomic statement before anything else, so
	// a failure midway never strands some siblings in PENDING while others
	// moved on.
	ids := make([]string, len(pending))
	for i, a := range pending {
		ids[i] = a.ID
	}
	if err := r.assets.MarkUploadingBatch(ctx, ids); err != nil {
		metrics.WebhooksReceived.WithLabelValues(providerName, "error").Inc()
		return fmt.Errorf("webhook: mark batch uploading: %w", err)
	}

	if err := r.reservations.Commit(ctx, reservationID); err != nil {
		// Already committed by an earlier partial application of this same
		// delivery; the guard kept the ledger single-entry. Continue to
		// re-enqueue materialization, which is idempotent.
		if !errors.Is(err, reservation.ErrInvalidState) {
			metrics.WebhooksReceived.WithLabelValues(providerName, "error").Inc()
			return fmt.Errorf("webhook: commit reservation: %w", err)
		}
		log.Warn().Str("reservation_id", reservationID).Msg("reservation already committed")
	} else {
		metrics.ReservationsCommitted.Inc()
	}

	for i, a := range pending {
		job := worker.MaterializationJob{AssetID: a.ID}
		if result.Outputs[i].Inline != "" {
			job.SourceKind = worker.SourceInline
			job.Source = result.Outputs[i].Inline
		} else {
			job.SourceKind = worker.SourceURL
			job.Source = result.Outputs[i].URL
		}
		if _, err := r.enqueuer.Enqueue(ctx, worker.MaterializationQueue, job); err != nil {
			metrics.WebhooksReceived.WithLabelValues(providerName, "error").Inc()
			return fmt.Errorf("webhook: enqueue materialization for %s: %w", a.ID, err)
		}
	}

	metrics.WebhooksReceived.WithLabelValues(providerName, "applied").Inc()
	metrics.GenerationsCompleted.WithLabelValues(providerName, "generated").Inc()
	log.Info().
		Int("assets", len(pending)).
		Str("reservation_id", reservationID).
		Msg("webhook applied, reservation committed")
	return nil
}

// applyFailure settles a provider-reported job failure: release the hold and
// close out every asset in the batch.
func (r *Reconciler) applyFailure(
	ctx context.Context,
	providerName, reservationID string,
	pending []asset.Asset,
	reason string,
	log zerolog.Logger,
) error {
	if err := r.reservations.Cancel(ctx, reservationID); err != nil {
		if !errors.Is(err, reservation.ErrInvalidState) {
			metrics.WebhooksReceived.WithLabelValues(providerName, "error").Inc()
			return fmt.Errorf("webhook: cancel reservation: %w", err)
		}
		log.Warn().Str("reservation_id", reservationID).Msg("reservation already settled")
	} else {
		metrics.ReservationsRefunded.Inc()
	}

	for _, a := range pending {
		if err := r.assets.MarkFailed(ctx, a.ID, reason); err != nil {
			log.Error().Err(err).Str("asset_id", a.ID).Msg("could not mark asset failed")
		}
	}

	metrics.WebhooksReceived.WithLabelValues(providerName, "applied").Inc()
	metrics.GenerationsCompleted.WithLabelValues(providerName, "failed").Inc()
	log.Warn().
		Str("reason", reason).
		Int("assets", len(pending)).
		Msg("provider reported failure, hold released")
	return nil
}
