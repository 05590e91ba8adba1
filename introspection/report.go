// Package introspection describes a snapshot of a running application: its phase, shutdown
// participants, dispatcher activity and the configuration and capabilities it consumed.
package introspection

import (
	"encoding/json"
	"io"

	"github.com/cleitonmarx/lifeline/dispatch"
	"github.com/cleitonmarx/lifeline/phase"
)

// Report aggregates introspection data about an application.
type Report struct {
	Phase        phase.Phase     `json:"phase"`
	Participants []string        `json:"participants"`
	Dispatcher   dispatch.Stats  `json:"dispatcher"`
	Configs      []ConfigAccess  `json:"configs"`
	Deps         []DepEvent      `json:"deps"`
	Initializers []ComponentInfo `json:"initializers"`
	Runnables    []ComponentInfo `json:"runnables"`
	Closers      []ComponentInfo `json:"closers"`
}

// ConfigAccess captures a single configuration key access.
type ConfigAccess struct {
	Key         string `json:"key"`
	Provider    string `json:"provider"`
	UsedDefault bool   `json:"usedDefault"`
	Caller      Caller `json:"caller"`
	Component   string `json:"component"`
	Order       int    `json:"order"`
}

// DepEventKind describes the type of dependency event.
type DepEventKind string

const (
	DepRegistered DepEventKind = "register"
	DepResolved   DepEventKind = "resolve"
)

// DepEvent represents a capability registration or resolution.
type DepEvent struct {
	Kind      DepEventKind `json:"kind"`
	Type      string       `json:"type"`
	Name      string       `json:"name"`
	Impl      string       `json:"impl"`
	Caller    Caller       `json:"caller"`
	Component string       `json:"component"`
	Order     int          `json:"order"`
}

// ComponentInfo names a component hosted by the application.
type ComponentInfo struct {
	Type string `json:"type"`
}

// Caller identifies the code location that produced an event.
type Caller struct {
	Func string `json:"func"`
	File string `json:"file"`
	Line int    `json:"line"`
}

// WriteJSON writes the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
