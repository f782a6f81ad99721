// Package store persists stevedore state in a SQLite database (state.db).
//
// Three tables live here: installed_packages records what the operation stage
// has put on disk, inflight_operations journals accepted items until they
// finish (the Store implements orchestrator.Tracker), and operation_history
// keeps a bounded list of finished requests for status queries. Writes retry
// briefly on SQLITE_BUSY. The schema is versioned; a mismatch fails Open with
// ErrSchemaMismatch rather than migrating.
package store
