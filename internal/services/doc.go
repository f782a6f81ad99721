// Package services defines shared utilities consumed by the orchestrator and
// the installer commands.
//
// Key responsibilities:
//   - Context helpers that stamp request handles, package identities, stage
//     names, and operation names for logging.
//   - Structured error markers plus the Wrap helper, and ResultLabel which
//     classifies a termination status as success, aborted, or failed.
package services
