package shard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/ValentinKolb/ctxhub/lib/blob"
	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/util"
	"github.com/ValentinKolb/ctxhub/lib/wal"
)

var log = logger.GetLogger("shard")

var (
	commitsTotal     = metrics.NewCounter("ctxhub_shard_commits_total")
	noopsTotal       = metrics.NewCounter("ctxhub_shard_noops_total")
	rejectsTotal     = metrics.NewCounter("ctxhub_shard_rejected_total")
	readOnlyTotal    = metrics.NewCounter("ctxhub_shard_read_only_total")
	checkpointsTotal = metrics.NewCounter("ctxhub_shard_checkpoints_total")
	replayDuration   = metrics.NewHistogram("ctxhub_shard_replay_duration_seconds")
	commitDuration   = metrics.NewHistogram("ctxhub_shard_commit_duration_seconds")
)

// Options configures a local shard.
type Options struct {
	ID uint64
	// Dir holds the WAL segments of the shard.
	Dir string
	// Blobs stores checkpoints and offloaded payloads. Shared by all shards
	// of a node.
	Blobs *blob.Store
	// SyncWrites fsyncs the WAL after every commit.
	SyncWrites bool
	// SegmentSize and BlobThreshold are passed to the WAL.
	SegmentSize   int64
	BlobThreshold int
	// CheckpointEvery writes a checkpoint after that many commits. 0
	// disables automatic checkpoints.
	CheckpointEvery uint64
	// SubscriberBuffer is the default channel size of subscriptions.
	SubscriberBuffer int
	// Scopes holds the agent scopes checked on commit. May be nil.
	Scopes *catalog.ScopeConfig
	// Now defaults to time.Now.
	Now func() time.Time
}

// Shard is the local storage engine of one shard: a WAL, the materialized
// state and checkpoints in the blob store.
//
// Every mutation is validated against the current state, appended to the WAL
// and then applied, all under the shard's write lock. A mutation is visible
// to readers only after it is durable in the WAL. If the WAL or the state
// turns out to be inconsistent the shard becomes read-only: reads keep
// working, every mutation fails with a Corruption error.
//
// Thread-safety: All methods are safe for concurrent use.
type Shard struct {
	mu    sync.RWMutex
	opts  Options
	log   *wal.Log
	state *State

	readOnly        error
	closed          bool
	sinceCheckpoint uint64
	lastCheckpoint  uint64

	// raft index watermark of replicated shards, see Acknowledge
	acked       uint64
	ackedSynced uint64

	subs    map[uint64]*Subscription
	nextSub uint64

	commitMeter gometrics.Meter
	commitTimer gometrics.Timer
}

// Open opens or creates the shard and restores its state from the latest
// checkpoint plus the WAL records after it.
//
// Corruption found during recovery does not fail Open. The shard is opened
// read-only with the state recovered up to the corruption, see ReadOnly.
func Open(opts Options) (*Shard, error) {
	if opts.Blobs == nil {
		return nil, errs.New(errs.CodeInvalidOperation, "shard needs a blob store")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 256
	}

	l, walErr := wal.Open(wal.Options{
		Dir:           opts.Dir,
		Shard:         opts.ID,
		SyncWrites:    opts.SyncWrites,
		SegmentSize:   opts.SegmentSize,
		BlobThreshold: opts.BlobThreshold,
		Blobs:         opts.Blobs,
		Now:           opts.Now,
	})
	if l == nil {
		return nil, walErr
	}

	s := &Shard{
		opts:        opts,
		log:         l,
		subs:        make(map[uint64]*Subscription),
		commitMeter: gometrics.NewMeter(),
		commitTimer: gometrics.NewTimer(),
	}
	if walErr != nil {
		s.markReadOnly(walErr)
	}

	err := s.recover()
	if err == nil {
		s.acked, err = readApplied(opts.Dir)
		s.ackedSynced = s.acked
	}
	if err != nil {
		s.commitMeter.Stop()
		s.commitTimer.Stop()
		_ = l.Close()
		return nil, err
	}
	log.Infof("shard %d: opened at seq %d (%d documents)", opts.ID, s.state.Seq, s.state.Catalog.Len())
	return s, nil
}

// recover rebuilds the state. Only I/O errors of the blob store fail it,
// inconsistencies mark the shard read-only.
func (s *Shard) recover() error {
	start := time.Now()
	defer replayDuration.UpdateDuration(start)

	s.state = NewState(s.opts.ID)
	cp, ok, err := s.opts.Blobs.LatestCheckpoint(s.opts.ID)
	if err != nil {
		return err
	}
	if ok {
		st, err := DecodeState(cp.Data)
		if err == nil && (st.Seq != cp.Seq || st.Shard != s.opts.ID) {
			err = errs.Newf(errs.CodeCorruption, "checkpoint %d of shard %d holds seq %d of shard %d", cp.Seq, s.opts.ID, st.Seq, st.Shard)
		}
		if err != nil {
			s.markReadOnly(err)
			return nil
		}
		s.state = st
		s.lastCheckpoint = cp.Seq
	}

	if next := s.log.Next(); s.state.Seq >= next {
		s.markReadOnly(errs.Newf(errs.CodeCorruption,
			"shard %d: checkpoint at seq %d but the log ends at %d", s.opts.ID, s.state.Seq, next-1))
		return nil
	}

	replayed := 0
	for rec, err := range s.log.ReadFrom(s.state.Seq + 1) {
		if err == nil {
			var op *Op
			if op, err = DecodeOp(rec.Payload); err == nil {
				_, _, err = s.state.Apply(rec.Seq, rec.TS, op)
			}
		}
		if err != nil {
			if errs.CodeOf(err) == errs.CodeCompacted {
				err = errs.Wrap(errs.CodeCorruption, err, "records after the checkpoint were removed")
			}
			s.markReadOnly(err)
			break
		}
		replayed++
	}
	s.sinceCheckpoint = uint64(replayed)
	if replayed > 0 {
		log.Infof("shard %d: replayed %d records in %v", s.opts.ID, replayed, time.Since(start))
	}
	return nil
}

// markReadOnly switches the shard to read-only. The first cause is kept.
func (s *Shard) markReadOnly(cause error) {
	if s.readOnly != nil {
		return
	}
	if errs.CodeOf(cause) != errs.CodeCorruption {
		cause = errs.Wrap(errs.CodeCorruption, cause, "shard state is inconsistent")
	}
	s.readOnly = cause
	readOnlyTotal.Inc()
	log.Errorf("shard %d: switching to read-only: %v", s.opts.ID, cause)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see shard/interface.go)
// --------------------------------------------------------------------------

func (s *Shard) ID() uint64 { return s.opts.ID }

func (s *Shard) Local() *Shard { return s }

func (s *Shard) Commit(ctx context.Context, op *Op) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, errs.Wrap(errs.CodeInternal, err, "commit canceled")
	}
	return s.commit(op, 0, s.opts.Scopes.Current())
}

// CommitAt commits op with the timestamp chosen by the proposer of a
// replicated shard. Agent scopes are not checked, the proposer did that.
// A non-zero op.Index is logged with the record and tracked by Applied.
func (s *Shard) CommitAt(op *Op, ts int64) (Result, error) {
	return s.commit(op, ts, nil)
}


// Check validates op against the current state without committing it.
// Operations that would change nothing pass.
func (s *Shard) Check(op *Op, scopes *catalog.Scopes) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.readOnly != nil {
		return errs.Wrap(errs.CodeCorruption, s.readOnly, "shard is read-only")
	}
	dry := *op
	if err := s.state.Prepare(&dry, scopes); err != nil && !errors.Is(err, errNoop) {
		return err
	}
	return nil
}

func (s *Shard) commit(op *Op, ts int64, scopes *catalog.Scopes) (Result, error) {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Result{}, errs.Newf(errs.CodeIOFailure, "shard %d is closed", s.opts.ID)
	}
	if s.readOnly != nil {
		return Result{}, errs.Wrap(errs.CodeCorruption, s.readOnly, "shard is read-only")
	}

	if err := s.state.Prepare(op, scopes); err != nil {
		if errors.Is(err, errNoop) {
			noopsTotal.Inc()
			return s.noopResult(op), nil
		}
		rejectsTotal.Inc()
		return Result{}, err
	}

	payload, err := EncodeOp(op)
	if err != nil {
		return Result{}, err
	}
	rec, err := s.log.Append(op.Doc, ts, payload)
	if err != nil {
		if s.log.Failed() != nil {
			s.markReadOnly(err)
		}
		return Result{}, err
	}

	ch, res, err := s.state.Apply(rec.Seq, rec.TS, op)
	if err != nil {
		// the record is durable but the state could not take it
		s.markReadOnly(err)
		return Result{}, err
	}
	s.publish(ch)

	commitsTotal.Inc()
	s.commitMeter.Mark(1)
	s.commitTimer.UpdateSince(start)
	commitDuration.UpdateDuration(start)

	s.sinceCheckpoint++
	if s.opts.CheckpointEvery > 0 && s.sinceCheckpoint >= s.opts.CheckpointEvery {
		if _, err := s.checkpointLocked(); err != nil {
			log.Warningf("shard %d: automatic checkpoint failed: %v", s.opts.ID, err)
		}
	}
	return res, nil
}

func (s *Shard) noopResult(op *Op) Result {
	res := Result{Seq: s.state.Seq, TS: s.state.TS, Doc: op.Doc, Noop: true}
	if d, ok := s.state.Catalog.Get(op.Doc); ok {
		res.Version = d.Version
	}
	return res
}

func (s *Shard) View(fn func(*State) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errs.Newf(errs.CodeIOFailure, "shard %d is closed", s.opts.ID)
	}
	return fn(s.state)
}

func (s *Shard) Checkpoint() (blob.CheckpointInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return blob.CheckpointInfo{}, errs.Newf(errs.CodeIOFailure, "shard %d is closed", s.opts.ID)
	}
	return s.checkpointLocked()
}

// checkpointLocked persists the current state. Caller must hold the write
// lock. A read-only shard is not checkpointed, its state may be partial.
func (s *Shard) checkpointLocked() (blob.CheckpointInfo, error) {
	if s.readOnly != nil {
		return blob.CheckpointInfo{}, errs.Wrap(errs.CodeCorruption, s.readOnly, "shard is read-only")
	}
	if err := s.log.Sync(); err != nil {
		return blob.CheckpointInfo{}, err
	}
	data, err := EncodeState(s.state)
	if err != nil {
		return blob.CheckpointInfo{}, err
	}
	cp := blob.Checkpoint{Shard: s.opts.ID, Seq: s.state.Seq, TS: s.state.TS, Data: data}
	if err := s.opts.Blobs.PutCheckpoint(cp); err != nil {
		return blob.CheckpointInfo{}, err
	}
	s.sinceCheckpoint = 0
	s.lastCheckpoint = cp.Seq
	checkpointsTotal.Inc()
	log.Debugf("shard %d: checkpoint at seq %d (%d bytes)", s.opts.ID, cp.Seq, len(data))
	return blob.CheckpointInfo{Seq: cp.Seq, TS: cp.TS, Size: len(data)}, nil
}

// CompactReport summarizes a compaction.
type CompactReport struct {
	Purged             []uuid.UUID         `json:"purged"`
	Checkpoint         blob.CheckpointInfo `json:"checkpoint"`
	RetainedFrom       uint64              `json:"retained_from"`
	SegmentsRemoved    int                 `json:"segments_removed"`
	BlobsRemoved       int                 `json:"blobs_removed"`
	CheckpointsRemoved int                 `json:"checkpoints_removed"`
}

func (s *Shard) Compact(ctx context.Context, olderThan int64) (CompactReport, error) {
	return s.compact(ctx, olderThan, 0, 0)
}

// CompactAt compacts with the purge logged at ts under raft index, see
// CommitAt.
func (s *Shard) CompactAt(olderThan, ts int64, index uint64) (CompactReport, error) {
	return s.compact(context.Background(), olderThan, ts, index)
}

func (s *Shard) compact(ctx context.Context, olderThan, ts int64, index uint64) (CompactReport, error) {
	var rep CompactReport

	// purge goes through the regular commit path so that it is logged
	s.mu.RLock()
	purge := s.state.Purgeable(olderThan)
	s.mu.RUnlock()
	if len(purge) > 0 {
		op := &Op{Kind: OpPurge, Actor: SystemActor, Doc: purge[0], Purge: purge, Index: index}
		if _, err := s.commit(op, ts, nil); err != nil {
			return rep, err
		}
		rep.Purged = purge
	}
	if err := ctx.Err(); err != nil {
		return rep, errs.Wrap(errs.CodeInternal, err, "compaction canceled")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return rep, errs.Newf(errs.CodeIOFailure, "shard %d is closed", s.opts.ID)
	}

	var err error
	if rep.Checkpoint, err = s.checkpointLocked(); err != nil {
		return rep, err
	}

	// history is kept from the newest checkpoint at or before olderThan
	base, ok, err := s.opts.Blobs.CheckpointAt(s.opts.ID, olderThan)
	if err != nil || !ok {
		rep.RetainedFrom = s.log.First()
		return rep, err
	}
	if rep.SegmentsRemoved, err = s.log.TruncateBefore(base.Seq + 1); err != nil {
		return rep, err
	}
	rep.RetainedFrom = s.log.First()
	if rep.BlobsRemoved, err = s.opts.Blobs.DeleteBlobsBefore(s.opts.ID, rep.RetainedFrom); err != nil {
		return rep, err
	}
	if rep.CheckpointsRemoved, err = s.opts.Blobs.DeleteCheckpointsBefore(s.opts.ID, base.Seq); err != nil {
		return rep, err
	}
	log.Infof("shard %d: compacted, purged %d documents, %d segments and %d checkpoints removed",
		s.opts.ID, len(rep.Purged), rep.SegmentsRemoved, rep.CheckpointsRemoved)
	return rep, nil
}

// Info describes the shard.
type Info struct {
	ID             uint64            `json:"id"`
	Seq            uint64            `json:"seq"`
	Applied        uint64            `json:"applied,omitempty"`
	TS             int64             `json:"ts"`
	Documents      int               `json:"documents"`
	Live           int               `json:"live"`
	Sizes          util.SizeStats    `json:"sizes"`
	ReadOnly       string            `json:"read_only,omitempty"`
	FirstRetained  uint64            `json:"first_retained"`
	Segments       []wal.SegmentInfo `json:"segments"`
	LastCheckpoint uint64            `json:"last_checkpoint"`
	Subscribers    int               `json:"subscribers"`
	Commits        int64             `json:"commits"`
	CommitRate1m   float64           `json:"commit_rate_1m"`
	CommitP99      time.Duration     `json:"commit_p99"`
}

func (s *Shard) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		ID:             s.opts.ID,
		Seq:            s.state.Seq,
		Applied:        max(s.state.Applied, s.acked),
		TS:             s.state.TS,
		Documents:      s.state.Catalog.Len(),
		Sizes:          s.state.Sizes(),
		FirstRetained:  s.log.First(),
		Segments:       s.log.Segments(),
		LastCheckpoint: s.lastCheckpoint,
		Subscribers:    len(s.subs),
		Commits:        s.commitMeter.Count(),
		CommitRate1m:   s.commitMeter.Rate1(),
		CommitP99:      time.Duration(s.commitTimer.Percentile(0.99)),
	}
	for _, d := range s.state.Catalog.All() {
		if !d.Deleted {
			info.Live++
		}
	}
	if s.readOnly != nil {
		info.ReadOnly = s.readOnly.Error()
	}
	return info
}

// ReadOnly returns the cause that made the shard read-only, or nil.
func (s *Shard) ReadOnly() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readOnly
}

// Log returns the WAL of the shard. Readers may range over it concurrently
// with commits.
func (s *Shard) Log() *wal.Log { return s.log }

// Blobs returns the blob store holding the shard's checkpoints.
func (s *Shard) Blobs() *blob.Store { return s.opts.Blobs }

// Replace installs st as the shard state and restarts the WAL after it. Used
// when a replicated shard receives a snapshot from its peers.
func (s *Shard) Replace(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.log.Reset(st.Seq+1, st.TS); err != nil {
		return err
	}
	s.state = st
	s.readOnly = nil
	if _, err := s.checkpointLocked(); err != nil {
		return err
	}
	if err := writeApplied(s.opts.Dir, st.Applied); err != nil {
		return err
	}
	s.acked, s.ackedSynced = st.Applied, st.Applied
	for id, sub := range s.subs {
		sub.terminate(errs.New(errs.CodeLagged, "shard state was replaced"))
		delete(s.subs, id)
	}
	log.Infof("shard %d: state replaced at seq %d", s.opts.ID, st.Seq)
	return nil
}

func (s *Shard) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.readOnly == nil && s.sinceCheckpoint > 0 {
		if _, err := s.checkpointLocked(); err != nil {
			log.Warningf("shard %d: checkpoint on close failed: %v", s.opts.ID, err)
		}
	}
	s.closed = true
	for id, sub := range s.subs {
		sub.terminate(nil)
		delete(s.subs, id)
	}
	s.commitMeter.Stop()
	s.commitTimer.Stop()
	return s.log.Close()
}
