// Package coordinator fans a batch of sub-tasks out to agents and fans their
// results back in.
//
// FanOut checks spawn policy for every target, registers one run per
// sub-task in the registry, tells each agent about its siblings and the
// shared context namespace of the batch, and starts every execution
// asynchronously. It returns immediately.
//
// FanIn blocks until every run is terminal or the batch deadline fires, then
// classifies each sub-task (completed, error, stopped, timeout), sets the
// overall status (completed, partial, error) and renders a markdown report.
// Runs still going at the deadline are left running unless StopOnTimeout is
// set.
//
// The coordinator owns two ports, Executor and Policy. Concrete
// implementations live elsewhere and depend on this package, never the
// other way round.
package coordinator
