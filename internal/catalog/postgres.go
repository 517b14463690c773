package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Postgres reads the catalog tables, caching rows in memory to avoid
// repeated lookups on the request hot path. The catalog changes rarely
// (admin seeding), so entries are cached without expiry; restarting the
// process picks up new pricing.
type Postgres struct {
	db  *sql.DB
	log zerolog.Logger

	// "model:<id>" / "filter:<id>" -> Model / Filter
	cache sync.Map
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a Postgres catalog store.
func NewPostgres(db *sql.DB, logger zerolog.Logger) *Postgres {
	return &Postgres{
		db:  db,
		log: logger.With().Str("component", "catalog").Logger(),
	}
}

// ModelByID returns the model, consulting the cache first.
func (p *Postgres) ModelByID(ctx context.Context, id string) (Model, error) {
	key := "model:" + id
	if cached, ok := p.cache.Load(key); ok {
		return cached.(Model), nil
	}

	var m Model
	err := p.db.QueryRowContext(ctx, `
		SELECT m.id, m.name, pr.name, m.cost_per_call
		FROM ai_models m
		JOIN ai_providers pr ON pr.id = m.provider_id
		WHERE m.id = $1
	`, id).Scan(&m.ID, &m.Name, &m.Provider, &m.CostPerCall)
	if err == sql.ErrNoRows {
		return Model{}, ErrModelNotFound
	}
	if err != nil {
		return Model{}, fmt.Errorf("catalog: query model: %w", err)
	}

	p.cache.Store(key, m)
	return m, nil
}

// FilterByID returns the filter, consulting the cache first.
func (p *Postgres) FilterByID(ctx context.Context, id string) (Filter, error) {
	key := "filter:" + id
	if cached, ok := p.cache.Load(key); ok {
		return cached.(Filter), nil
	}

	var f Filter
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, model_id, additional_cost
		FROM ai_filters
		WHERE id = $1
	`, id).Scan(&f.ID, &f.Name, &f.ModelID, &f.AdditionalCost)
	if err == sql.ErrNoRows {
		return Filter{}, ErrFilterNotFound
	}
	if err != nil {
		return Filter{}, fmt.Errorf("catalog: query filter: %w", err)
	}

	p.cache.Store(key, f)
	return f, nil
}

// ListModels returns all models with their provider names.
func (p *Postgres) ListModels(ctx context.Context) ([]Model, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.name, pr.name, m.cost_per_call
		FROM ai_models m
		JOIN ai_providers pr ON pr.id = m.provider_id
		ORDER BY pr.name, m.name
	`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list models: %w", err)
	}
	defer rows.Close()

	var models []Model
	for rows.Next() {
		var m Model
		if err := rows.Scan(&m.ID, &m.Name, &m.Provider, &m.CostPerCall); err != nil {
			return nil, fmt.Errorf("catalog: scan model: %w", err)
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// WarmCache loads all models into the cache at startup. Non-fatal on error:
// entries load on demand.
func (p *Postgres) WarmCache(ctx context.Context) error {
	models, err := p.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		p.cache.Store("model:"+m.ID, m)
	}
	p.log.Info().Int("count", len(models)).Msg("catalog cache loaded")
	return nil
}
