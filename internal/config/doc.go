// Package config loads, normalizes, and validates stevedore configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the STEVEDORE_CATALOG_DIR
// environment override. The Config type centralizes every knob the daemon and
// CLI need, from stage concurrency limits to download timeouts.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
