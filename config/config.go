// Package config loads typed settings from pluggable providers.
// It supports struct field injection via tags and records every key access for introspection.
package config

import (
	"context"
	"fmt"
	"reflect"

	"github.com/cleitonmarx/lifeline/internal/reflectx"
)

const (
	// tagName is the struct tag key for configuration value names
	tagName = "config"
	// defaultTagName is the struct tag key for default values
	defaultTagName = "default"
)

// Provider retrieves configuration values by key.
// Implementations can read from environment variables, files, remote services, etc.
type Provider interface {
	// Get retrieves the configuration value for the given key.
	Get(ctx context.Context, name string) (string, error)
}

// Option configures a Loader.
type Option func(*Loader)

// WithConverter sets the converter used to parse raw values.
func WithConverter(c *Converter) Option {
	return func(l *Loader) {
		if c != nil {
			l.converter = c
		}
	}
}

// Loader reads values from a Provider, converts them and records each access.
// Values are cached per key after the first successful lookup.
type Loader struct {
	converter *Converter
	inspector *providerInspector
}

// NewLoader creates a loader over p. A nil provider reads environment variables.
func NewLoader(p Provider, opts ...Option) *Loader {
	if p == nil {
		p = NewEnvVarProvider()
	}
	l := &Loader{
		converter: NewConverter(),
		inspector: newProviderInspector(p),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Converter returns the converter used by the loader.
func (l *Loader) Converter() *Converter {
	return l.converter
}

// getParsedConfigValue retrieves and parses a configuration value.
func getParsedConfigValue[T any](ctx context.Context, l *Loader, name string, useDefault bool) (T, error) {
	configValue, err := l.inspector.get(ctx, name, useDefault, nil, 3)
	if err != nil {
		return reflectx.Zero[T](), err
	}
	return ConvertTo[T](l.converter, configValue)
}

// Get retrieves and parses a configuration value by key and type.
// Returns an error if the key is not found or parsing fails.
func Get[T any](ctx context.Context, l *Loader, name string) (T, error) {
	value, err := getParsedConfigValue[T](ctx, l, name, false)
	if err != nil {
		return value, fmt.Errorf("config: %s", err)
	}
	return value, nil
}

// GetWithDefault retrieves a configuration value or returns the default if not found.
// No error is returned; the default is used for any lookup or parse failure.
func GetWithDefault[T any](ctx context.Context, l *Loader, name string, defaultValue T) T {
	value, err := getParsedConfigValue[T](ctx, l, name, true)
	if err != nil {
		return defaultValue
	}
	return value
}

// Load injects configuration values into all struct fields tagged with config:"key".
// Supports default values via the default tag. Returns error if a required key is not found.
func (l *Loader) Load(ctx context.Context, target any) error {
	return reflectx.IterateStructFields(target, l.FieldLoader(ctx))
}

// FieldLoader returns a function that injects a single struct field's configuration value.
// Fields without a config tag are left untouched.
func (l *Loader) FieldLoader(ctx context.Context) reflectx.StructFieldIteratorFunc {
	return func(fieldValue reflect.Value, structField reflect.StructField, targetType reflect.Type) error {
		configName, ok := structField.Tag.Lookup(tagName)
		if !ok {
			return nil
		}

		defaultValue, hasDefault := structField.Tag.Lookup(defaultTagName)

		var (
			valueStr string
			err      error
		)
		if hasDefault {
			valueStr, err = l.inspector.get(ctx, configName, true, targetType, 4)
			if err != nil {
				valueStr = defaultValue
			}
		} else {
			valueStr, err = l.inspector.get(ctx, configName, false, targetType, 4)
			if err != nil {
				return fmt.Errorf("config: error getting value for field '%s': %s", structField.Name, err)
			}
		}

		value, parseErr := l.converter.Convert(valueStr, structField.Type)
		if parseErr != nil {
			return fmt.Errorf("config: error parsing value for field '%s': %s", structField.Name, parseErr)
		}

		if err := reflectx.SetFieldValue(fieldValue, structField, value); err != nil {
			return fmt.Errorf("config: %s", err)
		}
		return nil
	}
}
