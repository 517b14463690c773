package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct{ Adapter }

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	a := &stubAdapter{}
	b := &stubAdapter{}
	r.Register("falai", "flux-lora", a)
	r.Register("falai", "flux-dev", b)

	got, err := r.Resolve("falai", "flux-lora")
	require.NoError(t, err)
	assert.Same(t, a, got)

	got, err = r.Resolve("falai", "flux-dev")
	require.NoError(t, err)
	assert.Same(t, b, got)

	_, err = r.Resolve("openai", "flux-lora")
	assert.ErrorIs(t, err, ErrProviderNotFound)

	_, err = r.Resolve("falai", "unknown")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestTransientMarking(t *testing.T) {
	base := errors.New("rate limited")

	assert.False(t, IsTransient(base))
	assert.True(t, IsTransient(Transient(base)))
	assert.Nil(t, Transient(nil))

	// Marker survives further wrapping.
	wrapped := fmt.Errorf("falai: submit: %w", Transient(base))
	assert.True(t, IsTransient(wrapped))
	assert.ErrorIs(t, wrapped, base)
}
