package blob

import (
	"context"
	"fmt"
	"sync"
)

// Memory keeps blobs in a map for tests.
type Memory struct {
	mu    sync.Mutex
	next  int
	blobs map[string][]byte

	// PutErr, when set, is returned by Put.
	PutErr error
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory blob store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Put stores the bytes under a deterministic URL.
func (m *Memory) Put(_ context.Context, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PutErr != nil {
		return "", m.PutErr
	}

	m.next++
	url := fmt.Sprintf("https://blobs.test/generated-images/%d.png", m.next)
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blobs[url] = cp
	return url, nil
}

// Get returns the stored bytes for a URL.
func (m *Memory) Get(url string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[url]
	return data, ok
}

// Len returns the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}
