package config

import (
	"context"
	"fmt"
	"os"
)

// EnvVarProvider retrieves configuration values from environment variables.
// This is the default provider if no custom provider is set.
type EnvVarProvider struct{}

// NewEnvVarProvider creates a new environment variable configuration provider.
func NewEnvVarProvider() EnvVarProvider {
	return EnvVarProvider{}
}

// Get retrieves the environment variable value for the given name.
func (p EnvVarProvider) Get(_ context.Context, name string) (string, error) {
	value, exists := os.LookupEnv(name)
	if !exists {
		return "", fmt.Errorf("environment variable '%s' is not set", name)
	}
	return value, nil
}

// MapProvider serves values from an in-memory map. Useful for overrides and tests.
type MapProvider map[string]string

// Get returns the value stored for name.
func (p MapProvider) Get(_ context.Context, name string) (string, error) {
	value, ok := p[name]
	if !ok {
		return "", fmt.Errorf("key '%s' is not set", name)
	}
	return value, nil
}
