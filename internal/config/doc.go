// Package config loads the polychatd configuration from JSON or YAML and
// fills in the defaults every component relies on.
package config
