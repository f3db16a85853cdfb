// Package config loads the multiplexer's YAML configuration.
//
// Values may reference environment variables as ${VAR}. Variables from .env
// files are loaded first without overriding the process environment.
package config
