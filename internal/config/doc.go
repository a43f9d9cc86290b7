// Package config loads, normalizes, and validates librarian configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// REDIS_HOST and DATABASE_URL. The Config type centralizes the directories,
// broker connection, and per-queue job policies the daemon and CLI need.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, parsed durations, and clear validation errors.
package config
