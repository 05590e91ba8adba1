package config

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/cleitonmarx/lifeline/internal/reflectx"
	"github.com/cleitonmarx/lifeline/introspection"
)

// ProviderWithSource is an optional interface that providers can implement to report their source.
// For example, CompositeProvider reports which sub-provider supplied the value.
type ProviderWithSource interface {
	// GetWithSource retrieves a configuration value and reports its provider source.
	GetWithSource(ctx context.Context, key string) (string, string, error)
}

type cachedValue struct {
	value    string
	provider string
}

// providerInspector wraps a Provider, caching values and tracking accessed keys for introspection.
type providerInspector struct {
	provider     Provider
	providerName string

	mu       sync.Mutex
	cache    map[string]cachedValue
	accesses []introspection.ConfigAccess
	order    int
}

func newProviderInspector(p Provider) *providerInspector {
	return &providerInspector{
		provider:     p,
		providerName: reflectx.NameOf(p),
		cache:        make(map[string]cachedValue),
	}
}

// recordKeyAccess records who read key, from which provider, and whether a default was in play.
// Calls made by the App itself are recorded without a caller.
func (i *providerInspector) recordKeyAccess(key, provider string, usedDefault bool, componentType reflect.Type, level int) {
	callerFunc, file, line := reflectx.CallerName(level + 1)
	caller := introspection.Caller{
		Func: reflectx.FormatFunctionName(callerFunc),
		File: reflectx.FormatFileName(file),
		Line: line,
	}
	if strings.Contains(caller.Func, "lifeline.(*App).") {
		caller = introspection.Caller{}
	}
	component := ""
	if componentType != nil {
		component = reflectx.GetTypeName(componentType)
	}
	if usedDefault {
		provider = ""
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.order++
	i.accesses = append(i.accesses, introspection.ConfigAccess{
		Key:         key,
		Provider:    provider,
		UsedDefault: usedDefault,
		Caller:      caller,
		Component:   component,
		Order:       i.order,
	})
}

// get retrieves a value, from the cache when possible. Failed lookups are recorded only when a
// default value will replace them.
func (i *providerInspector) get(ctx context.Context, key string, withDefault bool, componentType reflect.Type, level int) (string, error) {
	i.mu.Lock()
	cached, ok := i.cache[key]
	i.mu.Unlock()
	if ok {
		i.recordKeyAccess(key, cached.provider, false, componentType, level)
		return cached.value, nil
	}

	var (
		val          string
		providerName = i.providerName
		err          error
	)
	if srp, ok := i.provider.(ProviderWithSource); ok {
		val, providerName, err = srp.GetWithSource(ctx, key)
	} else {
		val, err = i.provider.Get(ctx, key)
	}

	if err != nil {
		if withDefault {
			i.recordKeyAccess(key, providerName, true, componentType, level)
		}
		return "", err
	}

	i.mu.Lock()
	i.cache[key] = cachedValue{value: val, provider: providerName}
	i.mu.Unlock()
	i.recordKeyAccess(key, providerName, false, componentType, level)
	return val, nil
}

// Accesses returns every recorded key access sorted by key, then access order.
func (l *Loader) Accesses() []introspection.ConfigAccess {
	i := l.inspector
	i.mu.Lock()
	out := make([]introspection.ConfigAccess, len(i.accesses))
	copy(out, i.accesses)
	i.mu.Unlock()

	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Key == out[b].Key {
			return out[a].Order < out[b].Order
		}
		return out[a].Key < out[b].Key
	})
	return out
}
