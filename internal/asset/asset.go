// Package asset tracks one row per requested output image, from placeholder
// to the user's permanent gallery entry. Rows are never deleted.
package asset

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no asset matches the lookup.
var ErrNotFound = errors.New("asset: not found")

// Status is the lifecycle state of an asset. There is no ambiguous or
// "unknown" terminal state: polling clients always see one of these four.
type Status string

const (
	// StatusPending - placeholder created, generation not yet confirmed.
	StatusPending Status = "PENDING"
	// StatusUploading - generation succeeded, bytes moving to durable storage.
	StatusUploading Status = "UPLOADING"
	// StatusGenerated - output is available. With a provisional provider URL
	// the asset is shown immediately while materialization replaces the
	// location with permanent storage in the background.
	StatusGenerated Status = "GENERATED"
	// StatusFailed - terminal failure, funds released.
	StatusFailed Status = "FAILED"
)

// Asset is one requested output image.
type Asset struct {
	ID                string
	AccountID         string
	ReservationID     string
	ProviderRequestID string // empty until the provider accepts the job
	Status            Status
	OutputLocation    string // empty until materialized (or provisional URL)
	Attempt           int
	FailReason        string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Terminal reports whether the asset reached a final state.
func (a Asset) Terminal() bool {
	return a.Status == StatusGenerated || a.Status == StatusFailed
}

// Store persists assets. The attempt counter is authoritative here, not on
// the queue message: RecordFailure increments and returns it in the same
// atomic unit that records the failure reason, so a redelivery race cannot
// double-count an attempt.
type Store interface {
	Create(ctx context.Context, a Asset) error
	Get(ctx context.Context, id string) (Asset, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]Asset, error)

	// PendingByProviderRequest returns all assets with the given provider
	// request id whose status is not GENERATED and not FAILED.
	PendingByProviderRequest(ctx context.Context, providerRequestID string) ([]Asset, error)

	// SetProviderRequestID records the provider-issued id on a still-pending
	// asset (async submit path).
	SetProviderRequestID(ctx context.Context, id, providerRequestID string) error

	// MarkUploading flips the asset to UPLOADING (inline payload hand-off).
	MarkUploading(ctx context.Context, id, providerRequestID string) error

	// MarkUploadingBatch flips a whole webhook batch to UPLOADING in one
	// atomic statement, so a partial write never leaves siblings behind.
	MarkUploadingBatch(ctx context.Context, ids []string) error

	// MarkGeneratedProvisional records the ephemeral provider URL and flips
	// to GENERATED ahead of materialization.
	MarkGeneratedProvisional(ctx context.Context, id, providerRequestID, url string) error

	// MarkGenerated records the permanent location and flips to GENERATED.
	MarkGenerated(ctx context.Context, id, outputLocation string) error

	// MarkFailed records a terminal failure.
	MarkFailed(ctx context.Context, id, reason string) error

	// RecordFailure increments the attempt counter, stores the reason, and
	// returns the new counter value. The asset stays in its current status;
	// the caller decides between retry and terminal failure.
	RecordFailure(ctx context.Context, id, reason string) (int, error)
}
