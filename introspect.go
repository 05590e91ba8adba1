package lifeline

import (
	"context"
	"fmt"
	"reflect"

	"github.com/cleitonmarx/lifeline/internal/reflectx"
	"github.com/cleitonmarx/lifeline/introspection"
)

// Introspector receives a report of the application once hosted components are wired.
type Introspector interface {
	Introspect(context.Context, introspection.Report) error
}

// Introspect registers an introspector for the application's lifecycle.
// Multiple calls append introspectors in registration order. Introspectors are called in the
// Startup phase, after the hosted runnables are wired and before they start.
func (a *App) Introspect(i Introspector) *App {
	if i == nil {
		return a
	}
	a.introspectors = append(a.introspectors, i)
	return a
}

// Report returns a snapshot of the application: its phase, shutdown participants, dispatcher
// counters, the configuration keys read and the capabilities registered and resolved.
func (a *App) Report() introspection.Report {
	a.mu.Lock()
	closers := make([]introspection.ComponentInfo, 0, len(a.closerNames))
	for _, name := range a.closerNames {
		closers = append(closers, introspection.ComponentInfo{Type: name})
	}
	a.mu.Unlock()

	return introspection.Report{
		Phase:        a.controller.Current(),
		Participants: a.coordinator.Participants(),
		Dispatcher:   a.dispatcher.Stats(),
		Configs:      a.loader.Accesses(),
		Deps:         a.container.Events(),
		Initializers: componentInfos(a.initializers),
		Runnables:    a.runnerInfos(),
		Closers:      closers,
	}
}

func (a *App) runnerInfos() []introspection.ComponentInfo {
	infos := make([]introspection.ComponentInfo, 0, len(a.runnableSpecsList))
	for _, rs := range a.runnableSpecsList {
		infos = append(infos, introspection.ComponentInfo{Type: reflectx.GetTypeName(reflect.TypeOf(rs.original))})
	}
	return infos
}

func componentInfos[T any](components []T) []introspection.ComponentInfo {
	infos := make([]introspection.ComponentInfo, 0, len(components))
	for _, c := range components {
		infos = append(infos, introspection.ComponentInfo{Type: reflectx.NameOf(c)})
	}
	return infos
}

// introspectSafe calls the provided Introspector's Introspect method safely,
// recovering from panics and wrapping errors with context about the introspector.
func introspectSafe(ctx context.Context, i Introspector, r introspection.Report) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(fmt.Errorf("panic in Introspect func: %v", r), i)
		}
	}()
	err = i.Introspect(ctx, r)
	if err != nil {
		err = NewError(err, i)
	}
	return err
}
