package catalog

import (
	"context"
	"sync"
)

// Memory is an in-memory catalog for tests and tooling.
type Memory struct {
	mu      sync.RWMutex
	models  map[string]Model
	filters map[string]Filter
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		models:  make(map[string]Model),
		filters: make(map[string]Filter),
	}
}

// AddModel registers a model.
func (m *Memory) AddModel(model Model) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[model.ID] = model
}

// AddFilter registers a filter.
func (m *Memory) AddFilter(filter Filter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters[filter.ID] = filter
}

// ModelByID returns the model or ErrModelNotFound.
func (m *Memory) ModelByID(_ context.Context, id string) (Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	model, ok := m.models[id]
	if !ok {
		return Model{}, ErrModelNotFound
	}
	return model, nil
}

// FilterByID returns the filter or ErrFilterNotFound.
func (m *Memory) FilterByID(_ context.Context, id string) (Filter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filter, ok := m.filters[id]
	if !ok {
		return Filter{}, ErrFilterNotFound
	}
	return filter, nil
}

// ListModels returns all registered models.
func (m *Memory) ListModels(_ context.Context) ([]Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	models := make([]Model, 0, len(m.models))
	for _, model := range m.models {
		models = append(models, model)
	}
	return models, nil
}
