// Package cmd implements the command-line interface of hlock.
//
// The package is organized into several subpackages:
//
//   - bench: Multi-threaded workload against the record store and its lock table
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See hlock -help for a list of all commands.
package cmd
