// Package config loads, validates, and persists the drawbridge YAML
// configuration, with .env overlay for credentials and deployment overrides.
package config
