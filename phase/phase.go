package phase

import (
	"errors"
	"fmt"
	"strings"
)

// Phase is a stage of the application lifetime. Phases are ordered; the controller only moves
// forward through them.
type Phase int32

const (
	Initialize Phase = iota
	Startup
	Ready
	Main
	Shutdown
)

var phaseNames = [...]string{
	Initialize: "INITIALIZE",
	Startup:    "STARTUP",
	Ready:      "READY",
	Main:       "MAIN",
	Shutdown:   "SHUTDOWN",
}

// Phases returns every phase in lifecycle order.
func Phases() []Phase {
	return []Phase{Initialize, Startup, Ready, Main, Shutdown}
}

// String returns the upper-case phase name.
func (p Phase) String() string {
	if p.Valid() {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// Valid reports whether p is one of the defined phases.
func (p Phase) Valid() bool {
	return p >= Initialize && p <= Shutdown
}

// Next returns the phase following p. Shutdown has no successor and returns itself.
func (p Phase) Next() Phase {
	if p >= Shutdown {
		return Shutdown
	}
	return p + 1
}

// CanAdvanceTo reports whether moving from p to next is legal: next must be the immediate
// successor of p, or Shutdown from any phase other than Shutdown itself.
func (p Phase) CanAdvanceTo(next Phase) bool {
	if !p.Valid() || !next.Valid() || p == Shutdown {
		return false
	}
	return next == Shutdown || next == p+1
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("phase: invalid phase %d", int32(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ErrUnknownPhase is returned by ParsePhase for names that match no phase.
var ErrUnknownPhase = errors.New("phase: unknown phase")

// ParsePhase parses a phase name, ignoring case.
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Phase(i), nil
		}
	}
	return Initialize, fmt.Errorf("%w: %q", ErrUnknownPhase, s)
}
