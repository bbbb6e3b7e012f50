// SPDX-License-Identifier: MPL-2.0

// Package config loads build descriptions and runtime settings.
//
// A build description (Gosh.yaml by default) names the Dockerfile, the image
// tag and build arguments. It may be written as YAML, TOML or CUE; every
// format is validated against the embedded CUE schema (build_schema.cue)
// before it is decoded. Build argument values support ${VAR} expansion.
//
// Runtime settings (proxy address, cache directory, engine, bill of materials
// path) come from command-line flags and GOSH_* environment variables through
// Viper.
package config
