// Package depend provides a type-safe, thread-safe capability container.
// Capabilities are registered by type and resolved by value or struct field injection.
// Both unnamed and named capabilities are supported.
package depend

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/cleitonmarx/lifeline/internal/reflectx"
	"github.com/cleitonmarx/lifeline/introspection"
)

const tagName = "resolve"

// Container stores registered capabilities, organized by type and name, and records
// every registration and resolution for introspection.
type Container struct {
	mu   sync.RWMutex
	deps map[reflect.Type]map[string]any

	eventMu sync.Mutex
	events  []introspection.DepEvent
	order   int
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	return &Container{deps: make(map[reflect.Type]map[string]any)}
}

// RegisterNamed registers a capability under name, replacing any previous one.
// Multiple capabilities of the same type can be registered with different names.
func RegisterNamed[T any](c *Container, dependency T, name string) {
	_ = c.register(reflect.TypeFor[T](), name, dependency, false, 2)
}

// Register registers an unnamed capability by type.
// Only one unnamed capability per type is kept; use RegisterNamed for multiple instances.
func Register[T any](c *Container, dependency T) {
	_ = c.register(reflect.TypeFor[T](), "", dependency, false, 2)
}

// RegisterNamedOnce registers a named capability, returning an error if already registered.
func RegisterNamedOnce[T any](c *Container, dependency T, name string) error {
	return c.register(reflect.TypeFor[T](), name, dependency, true, 2)
}

// RegisterOnce registers an unnamed capability, returning an error if already registered.
func RegisterOnce[T any](c *Container, dependency T) error {
	return c.register(reflect.TypeFor[T](), "", dependency, true, 2)
}

// ResolveNamed retrieves a registered capability by type and name.
func ResolveNamed[T any](c *Container, name string) (T, error) {
	dependency, err := c.resolve(reflect.TypeFor[T](), name, nil, 2)
	if err != nil {
		return reflectx.Zero[T](), err
	}
	return dependency.(T), nil
}

// Resolve retrieves the unnamed registered capability of type T.
func Resolve[T any](c *Container) (T, error) {
	dependency, err := c.resolve(reflect.TypeFor[T](), "", nil, 2)
	if err != nil {
		return reflectx.Zero[T](), err
	}
	return dependency.(T), nil
}

// ResolveStruct injects capabilities into all struct fields tagged with resolve:"name".
func ResolveStruct[T any](c *Container, target *T) error {
	return reflectx.IterateStructFields(target, c.FieldResolver())
}

// FieldResolver returns an iterator function injecting a capability into a single struct field
// based on its resolve tag. Untagged fields are left alone.
func (c *Container) FieldResolver() reflectx.StructFieldIteratorFunc {
	return func(fieldValue reflect.Value, structField reflect.StructField, targetType reflect.Type) error {
		dependencyName, ok := structField.Tag.Lookup(tagName)
		if !ok {
			return nil
		}
		dependency, err := c.resolve(fieldValue.Type(), dependencyName, targetType, 4)
		if err != nil {
			return err
		}
		if err := reflectx.SetFieldValue(fieldValue, structField, dependency); err != nil {
			return fmt.Errorf("depend: %s", err)
		}
		return nil
	}
}

// Reset removes all registered capabilities and clears the event log.
func (c *Container) Reset() {
	c.mu.Lock()
	c.deps = make(map[reflect.Type]map[string]any)
	c.mu.Unlock()

	c.eventMu.Lock()
	c.events = nil
	c.order = 0
	c.eventMu.Unlock()
}

func (c *Container) register(t reflect.Type, name string, dependency any, once bool, level int) error {
	c.mu.Lock()
	byName, exist := c.deps[t]
	if !exist {
		byName = make(map[string]any)
		c.deps[t] = byName
	}
	if _, exists := byName[name]; exists && once {
		c.mu.Unlock()
		if name == "" {
			return fmt.Errorf("depend: dependency already registered for type %s", reflectx.GetTypeName(t))
		}
		return fmt.Errorf("depend: dependency already registered for type %s and name %q", reflectx.GetTypeName(t), name)
	}
	byName[name] = dependency
	c.mu.Unlock()

	c.record(introspection.DepRegistered, t, name, dependency, nil, level)
	return nil
}

func (c *Container) resolve(t reflect.Type, name string, componentType reflect.Type, level int) (any, error) {
	c.mu.RLock()
	byName, typeExist := c.deps[t]
	var (
		dependency any
		nameExist  bool
	)
	if typeExist {
		dependency, nameExist = byName[name]
	}
	c.mu.RUnlock()

	if !typeExist {
		return nil, fmt.Errorf("depend: the dependency type '%s' was not registered", reflectx.GetTypeName(t))
	}
	if !nameExist {
		return nil, fmt.Errorf("depend: the dependency '%s' of type '%s' was not registered", name, reflectx.GetTypeName(t))
	}
	c.record(introspection.DepResolved, t, name, dependency, componentType, level)
	return dependency, nil
}
