// Package config provides configuration loading and validation for the
// voice-changer service. It handles YAML-based configuration with
// per-section validation and sensible defaults for local development.
package config
