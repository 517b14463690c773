package asset

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Postgres stores assets in the assets table.
type Postgres struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a Postgres asset store.
func NewPostgres(db *sql.DB, logger zerolog.Logger) *Postgres {
	return &Postgres{
		db:  db,
		log: logger.With().Str("component", "asset_store").Logger(),
	}
}

const assetColumns = `
	id, account_id, reservation_id,
	COALESCE(provider_request_id, ''),
	status,
	COALESCE(output_location, ''),
	attempt,
	COALESCE(fail_reason, ''),
	created_at, updated_at`

func scanAsset(row interface{ Scan(...interface{}) error }) (Asset, error) {
	var a Asset
	err := row.Scan(
		&a.ID, &a.AccountID, &a.ReservationID,
		&a.ProviderRequestID,
		&a.Status,
		&a.OutputLocation,
		&a.Attempt,
		&a.FailReason,
		&a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

// Create inserts a new placeholder row.
func (p *Postgres) Create(ctx context.Context, a Asset) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO assets (id, account_id, reservation_id, status, attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`, a.ID, a.AccountID, a.ReservationID, a.Status, a.Attempt)
	if err != nil {
		return fmt.Errorf("asset: create: %w", err)
	}
	return nil
}

// Get returns one asset by id.
func (p *Postgres) Get(ctx context.Context, id string) (Asset, error) {
	a, err := scanAsset(p.db.QueryRowContext(ctx, `
		SELECT `+assetColumns+` FROM assets WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, fmt.Errorf("asset: get: %w", err)
	}
	return a, nil
}

// ListByAccount returns the newest assets for an account (the gallery).
func (p *Postgres) ListByAccount(ctx context.Context, accountID string, limit int) ([]Asset, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("asset: list: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// PendingByProviderRequest returns non-terminal assets for a provider request id.
func (p *Postgres) PendingByProviderRequest(ctx context.Context, providerRequestID string) ([]Asset, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE provider_request_id = $1 AND status NOT IN ($2, $3)
		ORDER BY created_at
	`, providerRequestID, StatusGenerated, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("asset: pending by provider request: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]Asset, error) {
	var assets []Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("asset: scan: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// SetProviderRequestID records the provider-issued id.
func (p *Postgres) SetProviderRequestID(ctx context.Context, id, providerRequestID string) error {
	return p.update(ctx, id, `
		UPDATE assets SET provider_request_id = $2, updated_at = NOW() WHERE id = $1
	`, providerRequestID)
}

// MarkUploading flips the asset to UPLOADING.
func (p *Postgres) MarkUploading(ctx context.Context, id, providerRequestID string) error {
	return p.update(ctx, id, `
		UPDATE assets SET status = $2, provider_request_id = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1
	`, StatusUploading, providerRequestID)
}

// MarkUploadingBatch flips a webhook batch to UPLOADING in one statement.
func (p *Postgres) MarkUploadingBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE assets SET status = $2, updated_at = NOW() WHERE id = ANY($1)
	`, pq.Array(ids), StatusUploading)
	if err != nil {
		return fmt.Errorf("asset: mark uploading batch: %w", err)
	}
	return nil
}

// MarkGeneratedProvisional records the ephemeral provider URL.
func (p *Postgres) MarkGeneratedProvisional(ctx context.Context, id, providerRequestID, url string) error {
	return p.update(ctx, id, `
		UPDATE assets SET status = $2, provider_request_id = NULLIF($3, ''), output_location = $4, updated_at = NOW()
		WHERE id = $1
	`, StatusGenerated, providerRequestID, url)
}

// MarkGenerated records the permanent location.
func (p *Postgres) MarkGenerated(ctx context.Context, id, outputLocation string) error {
	return p.update(ctx, id, `
		UPDATE assets SET status = $2, output_location = $3, fail_reason = NULL, updated_at = NOW()
		WHERE id = $1
	`, StatusGenerated, outputLocation)
}

// MarkFailed records a terminal failure.
func (p *Postgres) MarkFailed(ctx context.Context, id, reason string) error {
	return p.update(ctx, id, `
		UPDATE assets SET status = $2, fail_reason = $3, updated_at = NOW() WHERE id = $1
	`, StatusFailed, reason)
}

// RecordFailure increments attempt and returns the new value.
func (p *Postgres) RecordFailure(ctx context.Context, id, reason string) (int, error) {
	var attempt int
	err := p.db.QueryRowContext(ctx, `
		UPDATE assets SET attempt = attempt + 1, fail_reason = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING attempt
	`, id, reason).Scan(&attempt)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("asset: record failure: %w", err)
	}
	return attempt, nil
}

func (p *Postgres) update(ctx context.Context, id, query string, args ...interface{}) error {
	all := append([]interface{}{id}, args...)
	res, err := p.db.ExecContext(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("asset: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("asset: update rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
