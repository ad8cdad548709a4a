// Package cmd implements the command-line interface of a hub node. It
// provides commands for running a node and for maintaining its data
// directory while the node is stopped.
//
// The package is organized into several subpackages:
//
//   - serve: Runs a node and its background work, optionally serving metrics
//   - wal: Verifies and prints the write-ahead logs of the shards
//   - timeline: Reconstructs past states and lists changes
//   - admin: Checkpoint, compaction and statistics
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See ctxhub -help for a list of all commands.
package cmd
