/*
Package shard implements the storage engine of one shard of the hub.

A shard owns a set of documents: their catalog entries, their CRDT content
and the history of every change. All mutations of a shard are serialized
into one write-ahead log (package wal), so the log sequence number is a total
order over the shard's changes. The materialized state (State) is a pure
function of the log and is persisted as checkpoints in the blob store.

Commit pipeline:

	Prepare  validate against the current state, turn text into CRDT ops
	Append   write the operation to the WAL
	Apply    integrate it into the state and notify subscribers

Recovery loads the latest checkpoint and replays the records after it. Any
inconsistency found on the way switches the shard to read-only instead of
guessing.

The package provides two implementations of IShard: Shard, which runs on a
single node, and dshard.Store, which replicates the operations through a
raft group and applies them to a Shard on every member.

The conformance tests in shard/shardtest run against both.
*/
package shard
