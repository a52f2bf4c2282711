package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrUnknownModel marks a model id the registry cannot route.
	ErrUnknownModel = errors.New("ai: unknown model")

	// ErrNotConfigured marks a routable provider whose deployment is
	// incomplete, typically a missing API key. Factories return it so the
	// request path can reject the model before a job is queued.
	ErrNotConfigured = errors.New("ai: provider not configured")
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// ParseModelID splits "provider/model" into its halves. Model ids without a
// provider prefix are not routable.
func ParseModelID(modelID string) (provider, model string, err error) {
	provider, model, found := strings.Cut(strings.TrimSpace(modelID), "/")
	if !found || provider == "" || model == "" {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}
	return strings.ToLower(provider), model, nil
}

// Get resolves a "provider/model" id to a configured provider.
func (r *Registry) Get(ctx context.Context, modelID string) (Provider, string, error) {
	name, model, err := ParseModelID(modelID)
	if err != nil {
		return nil, "", err
	}
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: no provider %q", ErrUnknownModel, name)
	}
	p, err := f(ctx, model)
	if err != nil {
		return nil, "", err
	}
	return p, model, nil
}
