// Package logging assembles the structured slog loggers used across
// stevedore.
//
// It owns the console and JSON handlers, level and output plumbing, and
// context-aware helpers that tag log lines with request handles, package
// identifiers, stages, and operation names. Per-component level overrides let
// operators turn up orchestrator or installer logging without flooding the
// rest of the daemon. A no-op logger is provided for tests and wiring code that
// cannot fail.
package logging
