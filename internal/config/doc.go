// Package config loads the pulsewatch YAML configuration.
//
// Load applies defaults, parses the file, applies PULSEWATCH_* environment
// overrides and validates the result. Secrets are never stored in the file;
// fields ending in _env name the environment variable holding the value.
// Watch reloads the file when it changes so seeded endpoints can be
// re-synced without a restart.
package config
