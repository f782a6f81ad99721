// Package daemon hosts the long-running stevedore service.
//
// A Daemon owns the single-instance lock, the SQLite state store, the
// operation orchestrator with its Prometheus collectors, and the shutdown
// coordinator. It turns package requests into orchestrator items, records the
// latest progress for each active item, and writes finished items into the
// operation history. The optional HTTP listener serves /api/status and
// /metrics; the JSON-RPC socket lives in internal/ipc and calls into the
// methods exported here.
package daemon
