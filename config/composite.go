package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/cleitonmarx/lifeline/internal/reflectx"
)

// namedConfigProvider wraps a Provider with its type name for error reporting.
type namedConfigProvider struct {
	ConfigProvider Provider
	Name           string
}

// CompositeProvider chains multiple providers and returns the first successful value.
// Useful for layering, e.g. environment variables over a YAML file.
type CompositeProvider struct {
	providers []namedConfigProvider
}

// NewCompositeProvider creates a provider that tries each provider in order until one succeeds.
func NewCompositeProvider(providers ...Provider) CompositeProvider {
	namedConfigProviders := make([]namedConfigProvider, len(providers))
	for i, p := range providers {
		namedConfigProviders[i] = namedConfigProvider{
			ConfigProvider: p,
			Name:           reflectx.NameOf(p),
		}
	}
	return CompositeProvider{
		providers: namedConfigProviders,
	}
}

// Get retrieves a configuration value from the first provider that has it.
func (p CompositeProvider) Get(ctx context.Context, name string) (string, error) {
	value, _, err := p.GetWithSource(ctx, name)
	return value, err
}

// GetWithSource retrieves a configuration value and reports which provider provided it.
// Nested providers reporting their own source are resolved to that source.
func (p CompositeProvider) GetWithSource(ctx context.Context, name string) (string, string, error) {
	var errs []error
	for _, provider := range p.providers {
		var (
			value  string
			source = provider.Name
			err    error
		)
		if sp, ok := provider.ConfigProvider.(ProviderWithSource); ok {
			value, source, err = sp.GetWithSource(ctx, name)
		} else {
			value, err = provider.ConfigProvider.Get(ctx, name)
		}
		if err == nil {
			return value, source, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", provider.Name, err))
	}
	if len(errs) == 0 {
		return "", "", fmt.Errorf("key '%s' is not set: no providers", name)
	}
	return "", "", errors.Join(errs...)
}
