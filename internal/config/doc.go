// Package config loads the moatmetrics YAML configuration and watches files
// for changes.
//
// Secrets are never stored in the file: fields ending in _env name the
// environment variable that holds the value.
package config
