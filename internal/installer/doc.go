// Package installer provides the concrete commands that make up package
// operations: fetching and verifying payloads, placing them under the install
// root, removing them, and repairing damaged installs. Factory functions
// assemble those commands into orchestrator queue items per operation type.
package installer
