// Package provider defines the contract every inference provider adapter
// must follow, and the registry that matches a (provider, model) pair to an
// adapter.
//
// Adapters are stateless aside from upstream client configuration. Adding a
// provider means adding one adapter and one registry entry; no other
// component changes.
package provider

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrProviderNotFound - no adapter registered under that provider name.
	ErrProviderNotFound = errors.New("provider: provider not found")

	// ErrModelNotFound - the provider is known but not that model.
	ErrModelNotFound = errors.New("provider: model not found")

	// ErrInvalidInput - the input failed the adapter's cheap validation.
	// Returned before any funds are reserved or any job queued.
	ErrInvalidInput = errors.New("provider: invalid input")
)

// Input is the generation request passed to an adapter.
type Input struct {
	Prompt   string
	ImageURL string
	Count    int
}

// Kind classifies how the adapter delivered the output.
type Kind string

const (
	// KindURL - the provider returned a (possibly ephemeral) hosted URL.
	KindURL Kind = "url"
	// KindInline - the provider returned base64-encoded image bytes.
	KindInline Kind = "inline"
	// KindAsync - the provider accepted the job and will deliver the result
	// via webhook; only ProviderRequestID is set.
	KindAsync Kind = "async"
)

// Output is the result of a Generate call.
type Output struct {
	Kind              Kind
	Data              string // hosted URL or base64 payload; empty for KindAsync
	ProviderRequestID string
}

// Adapter is one provider-specific implementation of the generation contract.
type Adapter interface {
	// Validate runs cheap, synchronous input checks. Called before any
	// funds are reserved. Returns an error wrapping ErrInvalidInput when
	// the input cannot be accepted.
	Validate(input Input) error

	// Generate performs the expensive call. It may take seconds to minutes,
	// poll an upstream asynchronous job to completion, or submit-and-return
	// immediately for webhook delivery (KindAsync). Network failures surface
	// as adapter errors, marked Transient when a retry could succeed.
	Generate(ctx context.Context, input Input) (Output, error)
}

// Transient marks an adapter error as retryable (rate limits, timeouts,
// upstream 5xx). Unmarked errors are treated as permanent and trigger an
// immediate refund instead of burning the remaining retry budget.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) was marked Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Registry maps (provider, model) to an adapter. It is populated once at
// startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	adapters map[string]map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]map[string]Adapter)}
}

// Register binds an adapter to a provider/model pair.
func (r *Registry) Register(providerName, modelName string, a Adapter) {
	models, ok := r.adapters[providerName]
	if !ok {
		models = make(map[string]Adapter)
		r.adapters[providerName] = models
	}
	models[modelName] = a
}

// Resolve returns the adapter for a provider/model pair.
func (r *Registry) Resolve(providerName, modelName string) (Adapter, error) {
	models, ok := r.adapters[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerName)
	}
	a, ok := models[modelName]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrModelNotFound, providerName, modelName)
	}
	return a, nil
}
