// Package config provides configuration loading and validation for the recorder.
// It reads YAML on top of built-in defaults, applies RECALL_ environment overrides
// (optionally from a .env file) and validates every section.
package config
