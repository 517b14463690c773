package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/morphify/engine/internal/asset"
	"github.com/morphify/engine/internal/blob"
	"github.com/morphify/engine/internal/metrics"
	"github.com/morphify/engine/internal/queue"
)

// minImageBytes rejects near-empty payloads. A provider that returns a
// handful of bytes produced an error page or a truncated stream, not an
// image.
const minImageBytes = 100

// Materialization consumes stage-2 jobs: fetch or decode the output bytes
// and re-home them in durable storage. The reservation is already settled by
// the time a job lands here, so failures on this stage retry independently
// and never trigger a refund.
type Materialization struct {
	assets      asset.Store
	blobs       blob.Store
	httpClient  *http.Client
	maxAttempts int
	log         zerolog.Logger
}

// NewMaterialization creates the stage-2 consumer.
func NewMaterialization(assets asset.Store, blobs blob.Store, maxAttempts int, logger zerolog.Logger) *Materialization {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Materialization{
		assets:      assets,
		blobs:       blobs,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		maxAttempts: maxAttempts,
		log:         logger.With().Str("component", "materialization_worker").Logger(),
	}
}

// Handle processes one materialization job delivery.
func (w *Materialization) Handle(ctx context.Context, msg queue.Message) error {
	var job MaterializationJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return queue.Permanent(fmt.Errorf("materialization: decode job: %w", err))
	}

	log := w.log.With().
		Str("asset_id", job.AssetID).
		Str("source_kind", job.SourceKind).
		Int("attempt", msg.Attempt).
		Logger()

	if msg.Attempt > 1 {
		metrics.JobRetries.WithLabelValues(MaterializationQueue).Inc()
	}

	// Redelivery guard: once the permanent location is recorded the asset
	// carries a blob URL and this delivery has nothing left to do.
	a, err := w.assets.Get(ctx, job.AssetID)
	if err != nil {
		if errors.Is(err, asset.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("materialization: asset %s: %w", job.AssetID, err))
		}
		return fmt.Errorf("materialization: load asset: %w", err)
	}
	if a.Status == asset.StatusFailed {
		log.Warn().Msg("asset already failed, skipping delivery")
		return nil
	}
	// A GENERATED asset whose location no longer points at this job's source
	// was already re-homed by an earlier delivery; running again would write
	// a duplicate blob. The provisional-URL case still passes through: there
	// the location IS the source, and the swap to durable storage is pending.
	if a.Status == asset.StatusGenerated && a.OutputLocation != job.Source {
		log.Warn().Str("location", a.OutputLocation).Msg("asset already materialized, skipping delivery")
		return nil
	}

	start := time.Now()
	data, err := w.fetch(ctx, job)
	if err != nil {
		return w.fail(ctx, job.AssetID, log, err)
	}
	if len(data) < minImageBytes {
		return w.fail(ctx, job.AssetID, log,
			fmt.Errorf("materialization: payload too small (%d bytes), treating as upstream error", len(data)))
	}

	location, err := w.blobs.Put(ctx, data, "image/png")
	if err != nil {
		return w.fail(ctx, job.AssetID, log, fmt.Errorf("materialization: store blob: %w", err))
	}

	if err := w.assets.MarkGenerated(ctx, job.AssetID, location); err != nil {
		return w.fail(ctx, job.AssetID, log, fmt.Errorf("materialization: mark generated: %w", err))
	}

	metrics.MaterializationDuration.Observe(time.Since(start).Seconds())
	log.Info().
		Str("location", location).
		Int("size_bytes", len(data)).
		Msg("asset materialized")
	return nil
}

func (w *Materialization) fetch(ctx context.Context, job MaterializationJob) ([]byte, error) {
	switch job.SourceKind {
	case SourceInline:
		data, err := base64.StdEncoding.DecodeString(job.Source)
		if err != nil {
			return nil, queue.Permanent(fmt.Errorf("materialization: decode inline payload: %w", err))
		}
		return data, nil

	case SourceURL:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.Source, nil)
		if err != nil {
			return nil, queue.Permanent(fmt.Errorf("materialization: build download: %w", err))
		}
		resp, err := w.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("materialization: download: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("materialization: download returned %d", resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("materialization: read download: %w", err)
		}
		return data, nil

	default:
		return nil, queue.Permanent(fmt.Errorf("materialization: unknown source kind %q", job.SourceKind))
	}
}

// fail records the attempt and either lets the queue redeliver or marks the
// asset terminally FAILED. No ledger interaction on this path: the charge
// was committed when generation succeeded.
func (w *Materialization) fail(ctx context.Context, assetID string, log zerolog.Logger, cause error) error {
	attempts, err := w.assets.RecordFailure(ctx, assetID, cause.Error())
	if err != nil {
		return fmt.Errorf("materialization: record failure on %s: %w", assetID, err)
	}

	if !queue.IsPermanent(cause) && attempts < w.maxAttempts {
		log.Warn().Err(cause).Int("attempts", attempts).Msg("materialization failed, will retry")
		return fmt.Errorf("materialization: attempt %d: %w", attempts, cause)
	}

	if err := w.assets.MarkFailed(ctx, assetID, cause.Error()); err != nil {
		log.Error().Err(err).Msg("could not mark asset failed")
	}
	log.Error().Err(cause).Int("attempts", attempts).Msg("materialization failed terminally")
	return queue.Permanent(cause)
}
