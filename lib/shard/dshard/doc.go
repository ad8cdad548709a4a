// Package dshard implements a replicated shard on top of the Dragonboat RAFT
// consensus library. It provides a shard.IShard whose operations are ordered
// by a raft group, so that every member ends up with the same documents and
// the same history.
//
// Architecture:
//
//   - Store: implements shard.IShard. It checks permissions and agent scopes
//     against the local replica, serializes the operation into a Command and
//     proposes it via SyncPropose.
//
//   - State Machine: a Dragonboat IOnDiskStateMachine that runs a local
//     shard.Shard on every member. Each committed entry is prepared and
//     applied by the local engine, which logs it to its own WAL together
//     with the raft index. Rejections are deterministic: all members reject
//     the same entries. A local I/O failure halts the replica.
//
//   - Registry: maps shard ids to the local engines created by dragonboat on
//     this node. Subscriptions and history are served from the local engine.
//
// Timestamps:
//
//	The proposer stamps every command. Replicas log the operation with that
//	timestamp instead of their own clock, so time travel gives the same
//	answer on every member.
//
// Read Operations:
//
//   - View uses SyncRead, which is linearizable: the replica answering has
//     applied every entry committed before the read started.
//
//   - Info uses StaleRead and describes the local replica only.
//
// Snapshotting and Recovery:
//
//	On restart Open reports the raft index the local engine already
//	reflects: the highest index logged in its WAL or the acknowledged index
//	persisted by Sync, whichever is larger. Dragonboat replays only the
//	entries after it.
//
//	SaveSnapshot writes the encoded shard state. A member that recovers from
//	a snapshot replaces its state and restarts its WAL after the snapshot's
//	sequence; history before that point is only available on members that
//	still have it.
//
// Usage:
//
//	reg := dshard.NewRegistry()
//	err := nh.StartOnDiskReplica(
//	    members,
//	    false,
//	    dshard.CreateStateMachineFactory(reg, openLocalShard),
//	    shardConfig)
//	if err != nil { ... }
//
//	s := dshard.NewStore(nh, shardID, 5*time.Second, reg, scopes)
package dshard
