// Package config loads tool configuration from apicize.config.yaml or
// apicize.config.json, with defaults matching the engine's recognized
// options.
package config
