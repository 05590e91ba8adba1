// Package shutdown coordinates a vetoable, ordered application shutdown.
//
// # Protocol
//
// Participants are consulted in registration order, in two passes:
//
//	vote:   A.CanShutdown → B.CanShutdown → C.CanShutdown   (stops at the first false)
//	commit: A.OnShutdown  → B.OnShutdown  → C.OnShutdown    (runs every hook, collects failures)
//
// A veto leaves the application untouched and is reported through Outcome, not as an error.
// Finalize failures are merged into one *ParticipantFailure returned after the commit pass.
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.WithDispatcher(d))
//	id, _ := coord.Register("editor", shutdown.ParticipantFuncs{
//		CanShutdownFunc: func(context.Context) bool { return !editor.Dirty() },
//		OnShutdownFunc:  editor.Close,
//	}, shutdown.WithAffinity())
//	defer coord.Deregister(id)
//
//	outcome, err := coord.Shutdown(ctx)
//	if outcome.Vetoed {
//		// keep running
//	}
package shutdown
