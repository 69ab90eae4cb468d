// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// which is how the bearer token is usually injected (auth.token: ${TECHSUITE_TOKEN}).
package config
