// Package preflight provides readiness checks for the directories and
// catalog stevedore depends on.
//
// The daemon runs RunAll at start and logs any failures; Status carries the
// same results so the CLI "stevedore status" command can render them.
package preflight
