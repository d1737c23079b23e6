// Package config handles configuration loading for coven-conductor.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Missing values fall back to defaults that run a single process
// on SQLite with the in-memory broker.
//
// # Configuration File
//
// The path comes from the --config flag, then the COVEN_CONDUCTOR_CONFIG
// environment variable, then $XDG_CONFIG_HOME/coven/conductor.yaml.
// Files ending in .toml are parsed as TOML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration fields (tasks.ttl, tasks.sweep_interval, approval.timeout,
// approval.poll_interval) accept Go duration strings such as "30m" or "1s".
//
// # Reloading
//
// [Watcher] re-reads the file when it changes and hands the concurrency
// section to a callback. Other sections require a restart.
package config
