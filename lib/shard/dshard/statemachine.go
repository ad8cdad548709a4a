package dshard

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/shard"
	"github.com/ValentinKolb/ctxhub/lib/shard/dshard/internal"
)

// --------------------------------------------------------------------------
// Replica registry
// --------------------------------------------------------------------------

// Registry tracks the local engines that dragonboat created on this node, so
// that a Store can reach the copy of its shard that lives here.
type Registry struct {
	shards *xsync.MapOf[uint64, *shard.Shard]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{shards: xsync.NewMapOf[uint64, *shard.Shard]()}
}

// Get returns the local engine of shardID.
func (r *Registry) Get(shardID uint64) (*shard.Shard, bool) {
	return r.shards.Load(shardID)
}

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// StateMachine is the dragonboat state machine of a replicated shard. It
// applies every committed raft entry to a local shard engine, so each member
// keeps its own WAL, checkpoints and subscriptions.
//
// The local engine is the on-disk state: Open reports the raft index the
// engine has already reflected and dragonboat only replays entries after it.
type StateMachine struct {
	replicaID uint64
	shardID   uint64
	local     *shard.Shard
	registry  *Registry
	open      OpenFunc
}

// OpenFunc opens the local engine for a replica.
type OpenFunc func(shardID, replicaID uint64) (*shard.Shard, error)

// CreateStateMachineFactory returns a function that can be used by dragonboat
// to create the state machine of a replica. The local engine is opened by
// open when dragonboat opens the state machine and registered in reg.
func CreateStateMachineFactory(reg *Registry, open OpenFunc) sm.CreateOnDiskStateMachineFunc {
	return func(shardID uint64, replicaID uint64) sm.IOnDiskStateMachine {
		return &StateMachine{
			replicaID: replicaID,
			shardID:   shardID,
			registry:  reg,
			open:      open,
		}
	}
}

// Open opens the local engine and returns the last raft index it reflects.
func (fsm *StateMachine) Open(_ <-chan struct{}) (uint64, error) {
	local, err := fsm.open(fsm.shardID, fsm.replicaID)
	if err != nil {
		return 0, err
	}
	fsm.local = local
	fsm.registry.shards.Store(fsm.shardID, local)
	applied := local.Applied()
	log.Infof("shard %d replica %d: opened at raft index %d", fsm.shardID, fsm.replicaID, applied)
	return applied, nil
}

// Lookup handles read-only queries against the local engine.
func (fsm *StateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, errs.Newf(errs.CodeInternal, "invalid query type: %T", itf)
	}

	switch q.Type {
	case internal.QueryTView:
		return nil, fsm.local.View(q.Fn)
	case internal.QueryTInfo:
		return fsm.local.Info(), nil
	default:
		return nil, errs.Newf(errs.CodeInvalidOperation, "unknown query operation: %s", q.Type)
	}
}

// Update applies committed entries. Rejected operations are not errors of
// the state machine: their code and message are returned as the entry result
// and every replica rejects them alike. A failure of the local WAL or a
// corrupted local state is returned as an error, which halts the replica
// instead of letting it skip an entry its peers applied.
func (fsm *StateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	start := time.Now()
	applied := fsm.local.Applied()

	for idx, e := range entries {
		if e.Index <= applied {
			// already reflected by the local engine
			entries[idx].Result = sm.Result{Value: uint64(errs.CodeOK)}
			continue
		}

		var cmd internal.Command
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = failure(errs.Wrap(errs.CodeInvalidOperation, err, "deserialize command"))
			fsm.local.Acknowledge(e.Index)
			continue
		}

		var out any
		var err error
		switch cmd.Type {
		case internal.CommandTCommit:
			var op *shard.Op
			if op, err = shard.DecodeOp(cmd.Payload); err == nil {
				op.Index = e.Index
				out, err = fsm.local.CommitAt(op, cmd.TS)
			}
		case internal.CommandTCompact:
			out, err = fsm.local.CompactAt(cmd.OlderThan, cmd.TS, e.Index)
		default:
			err = errs.Newf(errs.CodeInvalidOperation, "unknown command operation: %s", cmd.Type)
		}
		switch errs.CodeOf(err) {
		case errs.CodeIOFailure, errs.CodeCorruption:
			log.Errorf("shard %d replica %d: entry %d failed locally: %v", fsm.shardID, fsm.replicaID, e.Index, err)
			return nil, err
		}
		fsm.local.Acknowledge(e.Index)
		if err != nil {
			entries[idx].Result = failure(err)
			continue
		}

		data, err := cbor.Marshal(out)
		if err != nil {
			entries[idx].Result = failure(errs.Wrap(errs.CodeInternal, err, "encode result"))
			continue
		}
		entries[idx].Result = sm.Result{Value: uint64(errs.CodeOK), Data: data}
	}

	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		log.Infof("shard %d: state machine took long to update. Batch of %d entries took %.2fms",
			fsm.shardID, len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

func failure(err error) sm.Result {
	return sm.Result{Value: uint64(errs.CodeOf(err)), Data: []byte(err.Error())}
}

// Sync makes the applied entries durable.
func (fsm *StateMachine) Sync() error {
	return fsm.local.SyncApplied()
}

// PrepareSnapshot encodes the state at the current raft index. Update does
// not run concurrently with it.
func (fsm *StateMachine) PrepareSnapshot() (interface{}, error) {
	return fsm.local.EncodeSnapshot()
}

// SaveSnapshot writes the state encoded by PrepareSnapshot.
func (fsm *StateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ <-chan struct{}) error {
	data, ok := ctx.([]byte)
	if !ok {
		return errs.Newf(errs.CodeInternal, "invalid snapshot context: %T", ctx)
	}
	_, err := writer.Write(data)
	return err
}

// RecoverFromSnapshot replaces the local state with the snapshot of a peer.
func (fsm *StateMachine) RecoverFromSnapshot(r io.Reader, _ <-chan struct{}) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errs.Wrap(errs.CodeIOFailure, err, "read snapshot")
	}
	st, err := shard.DecodeState(data)
	if err != nil {
		return err
	}
	if st.Shard != fsm.shardID {
		return fmt.Errorf("snapshot of shard %d offered to shard %d", st.Shard, fsm.shardID)
	}
	return fsm.local.Replace(st)
}

// Close closes the local engine.
func (fsm *StateMachine) Close() error {
	fsm.registry.shards.Delete(fsm.shardID)
	if fsm.local == nil {
		return nil
	}
	return fsm.local.Close()
}
