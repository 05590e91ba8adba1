package phase

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalTransition matches any *TransitionError.
	ErrIllegalTransition = errors.New("phase: illegal transition")

	// ErrTransitionInProgress is returned when a transition is requested from the affinity goroutine
	// while another transition is running. Waiting there would deadlock the listeners of the running
	// transition.
	ErrTransitionInProgress = errors.New("phase: transition in progress")
)

// TransitionError reports a requested transition that is neither the immediate successor of the
// current phase nor Shutdown.
type TransitionError struct {
	From Phase
	To   Phase
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("phase: illegal transition from %s to %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrIllegalTransition) hold.
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// ListenerError reports a phase-entry listener that failed. The phase has been entered regardless.
type ListenerError struct {
	Phase Phase
	Err   error
}

// Error implements the error interface.
func (e *ListenerError) Error() string {
	return fmt.Sprintf("phase: %s listener failed: %v", e.Phase, e.Err)
}

// Unwrap returns the listener's error.
func (e *ListenerError) Unwrap() error {
	return e.Err
}
