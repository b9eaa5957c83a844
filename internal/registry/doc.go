// Package registry tracks the lifecycle of every spawned subagent run.
//
// The Registry is the authoritative in-memory table of runs for the life of
// the process. Every mutation is mirrored to a store.RunStore on a best-effort
// basis: persistence failures are logged and swallowed.
//
// # State machine
//
//	pending -> running -> completed | error | stopped
//	running <-> paused
//	pending | running | paused -> stopped (StopRun)
//
// StartedAt is set on the first transition into running and EndedAt on the
// first transition into a terminal state. Terminal runs never change again.
//
// # Cancellation
//
// Each run owns a context.Context that is cancelled when the run is stopped
// (cause ErrRunStopped) or otherwise reaches a terminal state. Executors
// observe it through CancellationToken.
//
// # Events
//
// Lifecycle events are published on the registry's broadcaster keyed by the
// run's parent session ID: run_created, run_started, run_completed,
// run_error, run_stopped, run_paused.
package registry
