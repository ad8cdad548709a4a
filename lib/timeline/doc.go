/*
Package timeline answers questions about the past of a shard.

The state of a shard is a pure function of its log, so the state at any
instant is obtained by loading the newest checkpoint taken before that
instant and replaying the records up to it:

	Reconstruct(ctx, s, ts)   state after every record with timestamp <= ts
	StateAt(ctx, s, seq)      state after record seq
	Changes(ctx, s, since)    lazy sequence of the changes after since
	GetState(ctx, s, req)     documents of a scope at ts, filtered by access
	Subscribe(ctx, s, ...)    history from a sequence, then live changes

Reconstructions run on a private copy and read only the immutable prefix of
the log, so they never block writers. History that was compacted away is
reported as a Compacted error.
*/
package timeline
