package depend

import (
	"reflect"
	"strings"

	"github.com/cleitonmarx/lifeline/internal/reflectx"
	"github.com/cleitonmarx/lifeline/introspection"
)

// record logs a capability event with the location of the code that triggered it.
// Calls made by the App itself are recorded without a caller.
func (c *Container) record(kind introspection.DepEventKind, t reflect.Type, name string, dependency any, componentType reflect.Type, level int) {
	callerFunc, file, line := reflectx.CallerName(level + 1)
	caller := introspection.Caller{
		Func: reflectx.FormatFunctionName(callerFunc),
		File: reflectx.FormatFileName(file),
		Line: line,
	}
	if strings.Contains(caller.Func, "lifeline.(*App).") {
		caller = introspection.Caller{}
	}

	componentName := ""
	if componentType != nil {
		componentName = reflectx.GetTypeName(componentType)
	}

	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.order++
	c.events = append(c.events, introspection.DepEvent{
		Kind:      kind,
		Type:      reflectx.GetTypeName(t),
		Name:      name,
		Impl:      reflectx.NameOf(dependency),
		Caller:    caller,
		Component: componentName,
		Order:     c.order,
	})
}

// Events returns a copy of all recorded registration and resolution events, oldest first.
func (c *Container) Events() []introspection.DepEvent {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	cpy := make([]introspection.DepEvent, len(c.events))
	copy(cpy, c.events)
	return cpy
}
