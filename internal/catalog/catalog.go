// Package catalog holds the provider/model/filter pricing catalog.
//
// A model belongs to a provider and has a per-call credit cost. A filter is a
// curated preset on top of a model and may carry an additional cost. The
// reservation manager reads this catalog to price a generation request before
// any funds are held.
package catalog

import (
	"context"
	"errors"
)

var (
	ErrModelNotFound  = errors.New("catalog: model not found")
	ErrFilterNotFound = errors.New("catalog: filter not found")
)

// Model is one generation model offered by an inference provider.
type Model struct {
	ID          string
	Name        string
	Provider    string
	CostPerCall int64
}

// Filter is a curated preset bound to a model, optionally priced on top.
type Filter struct {
	ID             string
	Name           string
	ModelID        string
	AdditionalCost int64
}

// Store looks up catalog entries. Implementations must be safe for
// concurrent use.
type Store interface {
	ModelByID(ctx context.Context, id string) (Model, error)
	FilterByID(ctx context.Context, id string) (Filter, error)
	ListModels(ctx context.Context) ([]Model, error)
}
