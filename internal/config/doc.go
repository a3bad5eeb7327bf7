// Package config handles configuration loading, parsing, and validation
// from defaults, an optional YAML file and SYNCWARDEN_ environment variables.
// It provides type-safe access to the settings needed by the dispatch
// backends and the resilience components while keeping configuration details
// separate from business logic.
package config
