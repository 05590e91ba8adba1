package dispatch

import (
	"errors"
	"fmt"

	"github.com/cleitonmarx/lifeline/internal/reflectx"
)

var (
	// ErrClosed is returned when work is handed to a dispatcher that is closing or closed.
	ErrClosed = errors.New("dispatch: dispatcher is closed")

	// ErrAlreadyRunning is returned when Run or Start is called on a dispatcher whose affinity
	// goroutine is already running.
	ErrAlreadyRunning = errors.New("dispatch: affinity goroutine is already running")
)

// Failure reports work that returned an error or panicked while executed by the dispatcher.
// It carries the target the work ran on and the declared location of the work function.
type Failure struct {
	Target   Target
	Func     string
	FileLine string
	Err      error
}

func newFailure(target Target, work any, err error) *Failure {
	// Failures from nested dispatches already name the work that failed.
	if f, ok := err.(*Failure); ok {
		return f
	}
	name, fileLine := reflectx.FuncInfo(work)
	return &Failure{
		Target:   target,
		Func:     name,
		FileLine: fileLine,
		Err:      err,
	}
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.FileLine == "" {
		return fmt.Sprintf("error: %v, target: %s, function: %s", f.Err, f.Target, f.Func)
	}
	return fmt.Sprintf("error: %v, target: %s, function: %s, location: %s", f.Err, f.Target, f.Func, f.FileLine)
}

// Unwrap returns the error produced by the work.
func (f *Failure) Unwrap() error {
	return f.Err
}

// PanicError wraps a value recovered from a panicking work function.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}
