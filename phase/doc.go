// Package phase implements the application lifecycle state machine.
//
//	INITIALIZE → STARTUP → READY → MAIN → SHUTDOWN
//	     └──────────┴─────────┴───────┴──────→ SHUTDOWN
//
// Phases are entered at most once. Listeners registered with OnPhaseEnter run on the affinity
// goroutine of the dispatcher right after their phase is entered. Entering READY waits for the
// affinity queue to drain first; entering SHUTDOWN first asks the shutdown coordinator, which may
// veto.
package phase
