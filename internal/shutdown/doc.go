// Package shutdown sequences an orderly stop across long-lived components.
//
// Signal runs, once and on its own goroutine, BlockNewWork on every
// registered component, then BeginShutdown on each, then Wait on each. Done
// closes when the sequence ends. Listen wires SIGINT to the ctrl-c reason and
// SIGTERM to the app-shutdown reason.
package shutdown
