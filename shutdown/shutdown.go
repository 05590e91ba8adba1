package shutdown

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates a shutdown sequence already committed.
	ErrAlreadyShutdown = errors.New("shutdown: already committed")

	// ErrRegistrationClosed is returned by Register while a shutdown attempt runs or after a commit.
	ErrRegistrationClosed = errors.New("shutdown: registration closed")

	// ErrVetoed matches any *VetoError.
	ErrVetoed = errors.New("shutdown: vetoed")

	// ErrNilParticipant is returned when registering a nil participant.
	ErrNilParticipant = errors.New("shutdown: nil participant")
)

// Participant is implemented by components that can veto or react to shutdown.
type Participant interface {
	// CanShutdown votes on a pending shutdown. Returning false vetoes it.
	CanShutdown(ctx context.Context) bool

	// OnShutdown finalizes the component once every participant agreed.
	OnShutdown(ctx context.Context) error
}

// ParticipantFuncs adapts plain functions to Participant.
// A nil CanShutdownFunc always agrees; a nil OnShutdownFunc does nothing.
type ParticipantFuncs struct {
	CanShutdownFunc func(ctx context.Context) bool
	OnShutdownFunc  func(ctx context.Context) error
}

// CanShutdown implements Participant.
func (p ParticipantFuncs) CanShutdown(ctx context.Context) bool {
	if p.CanShutdownFunc == nil {
		return true
	}
	return p.CanShutdownFunc(ctx)
}

// OnShutdown implements Participant.
func (p ParticipantFuncs) OnShutdown(ctx context.Context) error {
	if p.OnShutdownFunc == nil {
		return nil
	}
	return p.OnShutdownFunc(ctx)
}

// ID identifies a registered participant.
type ID uuid.UUID

// String returns the canonical UUID form of the id.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Result is the commit outcome of one participant.
type Result struct {
	ID       ID            `json:"id"`
	Name     string        `json:"name"`
	Affinity bool          `json:"affinity"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Outcome describes one shutdown attempt.
type Outcome struct {
	// Vetoed is set when a participant declined during the vote pass. No finalize hook ran.
	Vetoed bool
	// VetoedBy names the declining participant.
	VetoedBy string
	// Cause is set when the veto came from a failing vote rather than a negative one.
	Cause error
	// Committed is set once the commit pass ran, even when some finalize hooks failed.
	Committed bool
	// Results holds one entry per finalized participant, in registration order.
	Results []Result
	// Duration of the whole attempt.
	Duration time.Duration
}

// Err returns a *VetoError for a vetoed attempt and nil otherwise.
func (o Outcome) Err() error {
	if !o.Vetoed {
		return nil
	}
	return &VetoError{Participant: o.VetoedBy, Cause: o.Cause}
}

// FailedParticipants returns the names of participants whose finalize hook failed.
func (o Outcome) FailedParticipants() []string {
	var failed []string
	for _, r := range o.Results {
		if r.Err != nil {
			failed = append(failed, r.Name)
		}
	}
	return failed
}

// VetoError reports a shutdown declined during the vote pass.
type VetoError struct {
	Participant string
	Cause       error
}

// Error implements the error interface.
func (e *VetoError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("shutdown vetoed by %q: %v", e.Participant, e.Cause)
	}
	return fmt.Sprintf("shutdown vetoed by %q", e.Participant)
}

// Is makes errors.Is(err, ErrVetoed) hold for any *VetoError.
func (e *VetoError) Is(target error) bool {
	return target == ErrVetoed
}

// Unwrap returns the failure of the vote check, if any.
func (e *VetoError) Unwrap() error {
	return e.Cause
}

// ParticipantFailure aggregates the finalize hooks that failed during a commit pass.
type ParticipantFailure struct {
	Failures []Result
}

// Error lists every failed participant with its error.
func (e *ParticipantFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Name, f.Err))
	}
	return fmt.Sprintf("shutdown: %d participant(s) failed to finalize: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *ParticipantFailure) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
