// Package blob persists generated images to durable object storage.
//
// Provider-hosted output URLs expire. Materialization downloads or decodes
// the bytes and re-homes them here, so the gallery never serves a dead link.
package blob

import "context"

// Store writes image bytes to durable storage and returns the public URL the
// gallery will serve.
type Store interface {
	// Put stores data under a fresh unique key and returns its public URL.
	Put(ctx context.Context, data []byte, contentType string) (string, error)
}
