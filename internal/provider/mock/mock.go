// Package mock provides a scriptable in-memory adapter for tests.
package mock

import (
	"context"
	"sync"

	"github.com/morphify/engine/internal/provider"
)

// Adapter is a configurable provider.Adapter. Script errors with FailNext or
// a custom GenerateFunc; by default every call succeeds with a URL output.
type Adapter struct {
	mu    sync.Mutex
	calls int
	errs  []error

	// ValidateErr, when set, is returned by Validate.
	ValidateErr error

	// Output returned on success. Defaults to a url-kind output.
	Output provider.Output

	// GenerateFunc, when set, replaces the scripted behavior entirely.
	GenerateFunc func(ctx context.Context, input provider.Input) (provider.Output, error)
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates a mock adapter that succeeds with a URL output.
func New() *Adapter {
	return &Adapter{
		Output: provider.Output{
			Kind:              provider.KindURL,
			Data:              "https://provider.example/outputs/mock.png",
			ProviderRequestID: "mock-req-1",
		},
	}
}

// FailNext queues errs to be returned by the next Generate calls, in order,
// before the adapter goes back to succeeding.
func (a *Adapter) FailNext(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, errs...)
}

// Calls returns how many times Generate ran.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *Adapter) Validate(_ provider.Input) error { return a.ValidateErr }

func (a *Adapter) Generate(ctx context.Context, input provider.Input) (provider.Output, error) {
	a.mu.Lock()
	a.calls++
	var err error
	if len(a.errs) > 0 {
		err = a.errs[0]
		a.errs = a.errs[1:]
	}
	a.mu.Unlock()

	if a.GenerateFunc != nil {
		return a.GenerateFunc(ctx, input)
	}
	if err != nil {
		return provider.Output{}, err
	}
	return a.Output, nil
}
