package shard

import (
	"context"

	"github.com/ValentinKolb/ctxhub/lib/blob"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IShard is the interface the hub uses to talk to a shard. It is implemented
// by the local engine (Shard) and by the replicated engine in shard/dshard,
// which runs the local engine as the state machine of a raft group.
type IShard interface {
	// ID returns the shard id.
	ID() uint64
	// Commit validates op against the current state and, if it changes
	// anything, makes it durable and applies it. Operations that change
	// nothing return a Result with Noop set.
	Commit(ctx context.Context, op *Op) (Result, error)
	// View runs fn while holding a read lock on the current state. fn must
	// not keep references into the state after it returns.
	View(fn func(*State) error) error
	// Local returns the local engine holding this node's copy of the shard.
	// Subscriptions and history are served from it.
	Local() *Shard
	// Checkpoint persists the current state.
	Checkpoint() (blob.CheckpointInfo, error)
	// Compact purges documents deleted before olderThan and drops history
	// that no retained checkpoint needs.
	Compact(ctx context.Context, olderThan int64) (CompactReport, error)
	// Info describes the shard.
	Info() Info
	// Close releases the shard.
	Close() error
}

// Factory creates the shard with the given id.
type Factory func(id uint64) (IShard, error)

// LocalFactory returns a factory opening local shards below dir. Every shard
// gets its own WAL directory named after its id.
func LocalFactory(base Options, dir func(id uint64) string) Factory {
	return func(id uint64) (IShard, error) {
		opts := base
		opts.ID = id
		opts.Dir = dir(id)
		return Open(opts)
	}
}
