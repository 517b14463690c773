package asset

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory asset store for tests.
type Memory struct {
	mu     sync.Mutex
	assets map[string]*Asset
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory asset store.
func NewMemory() *Memory {
	return &Memory{assets: make(map[string]*Asset)}
}

// Create inserts a new placeholder row.
func (m *Memory) Create(_ context.Context, a Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	cp := a
	m.assets[a.ID] = &cp
	return nil
}

// Get returns one asset by id.
func (m *Memory) Get(_ context.Context, id string) (Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[id]
	if !ok {
		return Asset{}, ErrNotFound
	}
	return *a, nil
}

// ListByAccount returns the newest assets for an account.
func (m *Memory) ListByAccount(_ context.Context, accountID string, limit int) ([]Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []Asset
	for _, a := range m.assets {
		if a.AccountID == accountID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PendingByProviderRequest returns non-terminal assets for a provider request id.
func (m *Memory) PendingByProviderRequest(_ context.Context, providerRequestID string) ([]Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Asset
	for _, a := range m.assets {
		if a.ProviderRequestID == providerRequestID && a.Status != StatusGenerated && a.Status != StatusFailed {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SetProviderRequestID records the provider-issued id.
func (m *Memory) SetProviderRequestID(_ context.Context, id, providerRequestID string) error {
	return m.mutate(id, func(a *Asset) {
		a.ProviderRequestID = providerRequestID
	})
}

// MarkUploading flips the asset to UPLOADING.
func (m *Memory) MarkUploading(_ context.Context, id, providerRequestID string) error {
	return m.mutate(id, func(a *Asset) {
		a.Status = StatusUploading
		if providerRequestID != "" {
			a.ProviderRequestID = providerRequestID
		}
	})
}

// MarkUploadingBatch flips a whole batch to UPLOADING atomically.
func (m *Memory) MarkUploadingBatch(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if a, ok := m.assets[id]; ok {
			a.Status = StatusUploading
			a.UpdatedAt = time.Now()
		}
	}
	return nil
}

// MarkGeneratedProvisional records the ephemeral provider URL.
func (m *Memory) MarkGeneratedProvisional(_ context.Context, id, providerRequestID, url string) error {
	return m.mutate(id, func(a *Asset) {
		a.Status = StatusGenerated
		if providerRequestID != "" {
			a.ProviderRequestID = providerRequestID
		}
		a.OutputLocation = url
	})
}

// MarkGenerated records the permanent location.
func (m *Memory) MarkGenerated(_ context.Context, id, outputLocation string) error {
	return m.mutate(id, func(a *Asset) {
		a.Status = StatusGenerated
		a.OutputLocation = outputLocation
		a.FailReason = ""
	})
}

// MarkFailed records a terminal failure.
func (m *Memory) MarkFailed(_ context.Context, id, reason string) error {
	return m.mutate(id, func(a *Asset) {
		a.Status = StatusFailed
		a.FailReason = reason
	})
}

// RecordFailure increments attempt and returns the new value.
func (m *Memory) RecordFailure(_ context.Context, id, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[id]
	if !ok {
		return 0, ErrNotFound
	}
	a.Attempt++
	a.FailReason = reason
	a.UpdatedAt = time.Now()
	return a.Attempt, nil
}

func (m *Memory) mutate(id string, fn func(*Asset)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[id]
	if !ok {
		return ErrNotFound
	}
	fn(a)
	a.UpdatedAt = time.Now()
	return nil
}
