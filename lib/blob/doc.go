// Package blob stores WAL payloads that exceed the inline size limit and the
// periodic shard checkpoints used for fast recovery and timeline
// reconstruction. Both live in one BadgerDB instance per node.
package blob
