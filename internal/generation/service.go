// Package generation accepts image requests: price, validate, hold funds,
// create placeholders, enqueue work.
//
// The accept path is all-or-nothing. A request either ends with credits held
// and a durable job on the generation queue, or it is rejected with the
// account untouched. Validation runs before the hold so a malformed request
// never moves money.
package generation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/morphify/engine/internal/asset"
	"github.com/morphify/engine/internal/catalog"
	"github.com/morphify/engine/internal/metrics"
	"github.com/morphify/engine/internal/provider"
	"github.com/morphify/engine/internal/queue"
	"github.com/morphify/engine/internal/reservation"
	"github.com/morphify/engine/internal/worker"
)

// Request is one image-generation submission.
type Request struct {
	AccountID string
	ModelID   string
	FilterID  string
	Prompt    string
	ImageURL  string
	Count     int
}

// Submission is the accepted result: funds held, placeholders created, job
// queued. Clients poll the asset ids for progress.
type Submission struct {
	ReservationID string
	AssetIDs      []string
	Amount        int64
}

// Service orchestrates the accept path.
type Service struct {
	catalog      catalog.Store
	registry     *provider.Registry
	reservations *reservation.Manager
	assets       asset.Store
	enqueuer     queue.Enqueuer
	log          zerolog.Logger
}

// NewService creates a Service.
func NewService(
	cat catalog.Store,
	registry *provider.Registry,
	reservations *reservation.Manager,
	assets asset.Store,
	enqueuer queue.Enqueuer,
	logger zerolog.Logger,
) *Service {
	return &Service{
		catalog:      cat,
		registry:     registry,
		reservations: reservations,
		assets:       assets,
		enqueuer:     enqueuer,
		log:          logger.With().Str("component", "generation_service").Logger(),
	}
}

// Submit accepts or rejects one generation request.
func (s *Service) Submit(ctx context.Context, req Request) (Submission, error) {
	if req.Count <= 0 {
		req.Count = 1
	}

	model, err := s.catalog.ModelByID(ctx, req.ModelID)
	if err != nil {
		return Submission{}, err
	}

	adapter, err := s.registry.Resolve(model.Provider, model.Name)
	if err != nil {
		return Submission{}, err
	}

	input := provider.Input{Prompt: req.Prompt, ImageURL: req.ImageURL, Count: req.Count}
	if err := adapter.Validate(input); err != nil {
		return Submission{}, err
	}

	res, err := s.reservations.Reserve(ctx, req.AccountID, req.ModelID, req.Count, req.FilterID)
	if err != nil {
		return Submission{}, err
	}

	assetIDs := make([]string, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		a := asset.Asset{
			ID:            uuid.New().String(),
			AccountID:     req.AccountID,
			ReservationID: res.ID,
			Status:        asset.StatusPending,
		}
		if err := s.assets.Create(ctx, a); err != nil {
			return Submission{}, s.abort(ctx, res.ID, assetIDs, fmt.Errorf("generation: create asset: %w", err))
		}
		assetIDs = append(assetIDs, a.ID)
	}

	job := worker.GenerationJob{
		ReservationID: res.ID,
		AccountID:     req.AccountID,
		Provider:      model.Provider,
		Model:         model.Name,
		AssetIDs:      assetIDs,
		Prompt:        req.Prompt,
		ImageURL:      req.ImageURL,
	}
	if _, err := s.enqueuer.Enqueue(ctx, worker.GenerationQueue, job); err != nil {
		return Submission{}, s.abort(ctx, res.ID, assetIDs, fmt.Errorf("generation: enqueue job: %w", err))
	}

	metrics.GenerationsSubmitted.WithLabelValues(model.Provider).Inc()
	s.log.Info().
		Str("reservation_id", res.ID).
		Str("account_id", req.AccountID).
		Str("provider", model.Provider).
		Str("model", model.Name).
		Int("count", req.Count).
		Int64("amount", res.Amount).
		Msg("generation request accepted")

	return Submission{ReservationID: res.ID, AssetIDs: assetIDs, Amount: res.Amount}, nil
}

// abort unwinds a half-accepted request: release the hold, close any
// placeholder rows already created. The original cause is returned; unwind
// failures are logged, not raised, since the caller can do nothing about
// them.
func (s *Service) abort(ctx context.Context, reservationID string, assetIDs []string, cause error) error {
	if err := s.reservations.Cancel(ctx, reservationID); err != nil {
		s.log.Error().Err(err).Str("reservation_id", reservationID).Msg("could not release hold during abort")
	}
	for _, id := range assetIDs {
		if err := s.assets.MarkFailed(ctx, id, "request aborted: "+cause.Error()); err != nil {
			s.log.Error().Err(err).Str("asset_id", id).Msg("could not fail asset during abort")
		}
	}
	s.log.Error().Err(cause).Str("reservation_id", reservationID).Msg("generation request aborted")
	return cause
}

// Asset returns one asset for status polling.
func (s *Service) Asset(ctx context.Context, id string) (asset.Asset, error) {
	return s.assets.Get(ctx, id)
}

// Gallery returns an account's newest assets.
func (s *Service) Gallery(ctx context.Context, accountID string, limit int) ([]asset.Asset, error) {
	return s.assets.ListByAccount(ctx, accountID, limit)
}
