package dshard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/ctxhub/lib/blob"
	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/shard"
	"github.com/ValentinKolb/ctxhub/lib/shard/dshard/internal"
)

var (
	retries = 5
	log     = logger.GetLogger("dshard")
)

// Store is the replicated implementation of shard.IShard. Operations are
// proposed to the raft group of the shard and applied by the StateMachine
// on every member.
type Store struct {
	nh       *dragonboat.NodeHost
	shardID  uint64
	cs       *client.Session
	timeout  time.Duration
	registry *Registry
	scopes   *catalog.ScopeConfig
}

// NewStore creates a store for a shard whose replica was started on nh with
// a state machine factory using reg.
func NewStore(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration, reg *Registry, scopes *catalog.ScopeConfig) *Store {
	return &Store{
		nh:       nh,
		shardID:  shardID,
		cs:       nh.GetNoOPSession(shardID),
		timeout:  timeout,
		registry: reg,
		scopes:   scopes,
	}
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

// propose sends cmd via SyncPropose and decodes the result into out.
func (s *Store) propose(ctx context.Context, cmd internal.Command, out any) error {
	for i := 0; i < retries; i++ {
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := s.nh.SyncPropose(pctx, s.cs, cmd.Serialize())
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(s.timeout / 10)
			continue
		}
		if err != nil {
			return errs.Wrap(errs.CodeInternal, err, "propose")
		}
		if res.Value != uint64(errs.CodeOK) {
			return errs.New(errs.Code(res.Value), string(res.Data))
		}
		if err := cbor.Unmarshal(res.Data, out); err != nil {
			return errs.Wrap(errs.CodeInternal, err, "decode result")
		}
		return nil
	}
	return errs.New(errs.CodeInternal, "timeout")
}

// read queries the state machine and converts the response into R.
//
// SyncRead is used by default, which makes the read linearizable. If that is
// not required, stale can be set to read from the local replica directly.
func read[R any](s *Store, q internal.Query, stale bool) (R, error) {
	var zero R
	for i := 0; i < retries; i++ {
		var res interface{}
		var err error

		if stale {
			res, err = s.nh.StaleRead(s.shardID, q)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			res, err = s.nh.SyncRead(ctx, s.shardID, q)
			cancel()
		}

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncRead: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(s.timeout / 10)
			continue
		}
		if err != nil {
			var e *errs.Error
			if errors.As(err, &e) {
				return zero, e
			}
			return zero, errs.Wrap(errs.CodeInternal, err, "read")
		}
		if res == nil {
			return zero, nil
		}
		casted, ok := res.(R)
		if !ok {
			return zero, errs.New(errs.CodeInternal, fmt.Sprintf("unexpected type: received %T, expected %T", res, zero))
		}
		return casted, nil
	}
	return zero, errs.New(errs.CodeInternal, "timeout")
}

func (s *Store) local() (*shard.Shard, error) {
	l, ok := s.registry.Get(s.shardID)
	if !ok {
		return nil, errs.Newf(errs.CodeInternal, "shard %d has no replica on this node", s.shardID)
	}
	return l, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docs see shard/interface.go)
// --------------------------------------------------------------------------

func (s *Store) ID() uint64 { return s.shardID }

func (s *Store) Local() *shard.Shard {
	l, _ := s.registry.Get(s.shardID)
	return l
}

// Commit checks agent scopes and permissions against the local replica and
// proposes op. The operation is prepared again when applied, on every
// replica against the same state.
func (s *Store) Commit(ctx context.Context, op *shard.Op) (shard.Result, error) {
	l, err := s.local()
	if err != nil {
		return shard.Result{}, err
	}
	if err := l.Check(op, s.scopes.Current()); err != nil {
		return shard.Result{}, err
	}
	payload, err := shard.EncodeOp(op)
	if err != nil {
		return shard.Result{}, err
	}

	var res shard.Result
	err = s.propose(ctx, internal.Command{
		Type:    internal.CommandTCommit,
		TS:      time.Now().UnixNano(),
		Payload: payload,
	}, &res)
	return res, err
}

func (s *Store) View(fn func(*shard.State) error) error {
	_, err := read[any](s, internal.Query{Type: internal.QueryTView, Fn: fn}, false)
	return err
}

// Checkpoint persists the state of the local replica. Every member
// checkpoints on its own schedule.
func (s *Store) Checkpoint() (blob.CheckpointInfo, error) {
	l, err := s.local()
	if err != nil {
		return blob.CheckpointInfo{}, err
	}
	return l.Checkpoint()
}

// Compact is replicated so that every member purges the same documents at
// the same position of its log.
func (s *Store) Compact(ctx context.Context, olderThan int64) (shard.CompactReport, error) {
	var rep shard.CompactReport
	err := s.propose(ctx, internal.Command{
		Type:      internal.CommandTCompact,
		TS:        time.Now().UnixNano(),
		OlderThan: olderThan,
	}, &rep)
	return rep, err
}

// Info describes the local replica. The read is stale.
func (s *Store) Info() shard.Info {
	info, err := read[shard.Info](s, internal.Query{Type: internal.QueryTInfo}, true)
	if err != nil {
		log.Warningf("shard %d: info: %v", s.shardID, err)
		return shard.Info{ID: s.shardID, ReadOnly: err.Error()}
	}
	return info
}

// Close stops the replica on this node. The state machine closes the local
// engine.
func (s *Store) Close() error {
	if err := s.nh.StopShard(s.shardID); err != nil && !errors.Is(err, dragonboat.ErrShardNotFound) {
		return errs.Wrap(errs.CodeInternal, err, "stop shard")
	}
	return nil
}
