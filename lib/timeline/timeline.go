package timeline

import (
	"context"
	"iter"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/ctxhub/lib/blob"
	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/shard"
	"github.com/ValentinKolb/ctxhub/lib/wal"
)

var log = logger.GetLogger("timeline")

var (
	reconstructDuration = metrics.NewHistogram("ctxhub_timeline_reconstruct_duration_seconds")
	replayedTotal       = metrics.NewCounter("ctxhub_timeline_replayed_records_total")
)

// the context is checked every checkEvery replayed records
const checkEvery = 64

// Reconstruct returns the state of s as of ts: the state after every record
// with a timestamp at or before ts. Replay starts at the newest checkpoint
// taken at or before ts. The result belongs to the caller.
//
// If the history needed for ts was compacted away a Compacted error is
// returned. Cancelling ctx stops the replay.
func Reconstruct(ctx context.Context, s *shard.Shard, ts int64) (*shard.State, error) {
	defer reconstructDuration.UpdateDuration(time.Now())

	if st, ok, err := liveCopy(s, func(live *shard.State) bool { return live.TS <= ts }); err != nil || ok {
		return st, err
	}
	return replay(ctx, s,
		func() (blob.Checkpoint, bool, error) { return s.Blobs().CheckpointAt(s.ID(), ts) },
		func(rec wal.Record) bool { return rec.TS > ts })
}

// StateAt returns the state of s right after the record seq was applied.
// seq 0 is the empty state.
func StateAt(ctx context.Context, s *shard.Shard, seq uint64) (*shard.State, error) {
	if st, ok, err := liveCopy(s, func(live *shard.State) bool { return live.Seq == seq }); err != nil || ok {
		return st, err
	}
	st, err := replay(ctx, s,
		func() (blob.Checkpoint, bool, error) { return s.Blobs().CheckpointBefore(s.ID(), seq) },
		func(rec wal.Record) bool { return rec.Seq > seq })
	if err != nil {
		return nil, err
	}
	if st.Seq != seq {
		return nil, errs.Newf(errs.CodeInvalidOperation, "shard %d: seq %d is beyond the end of the log (%d)", s.ID(), seq, st.Seq)
	}
	return st, nil
}

// Changes returns the changes of s with a sequence greater than since, in
// sequence order. The sequence is lazy: the state at since is rebuilt when
// iteration starts and every iteration reads the records committed at that
// moment. Iteration stops after the first error.
func Changes(ctx context.Context, s *shard.Shard, since uint64) iter.Seq2[shard.Change, error] {
	return func(yield func(shard.Change, error) bool) {
		st, err := StateAt(ctx, s, since)
		if err != nil {
			yield(shard.Change{}, err)
			return
		}
		n := 0
		for rec, err := range s.Log().ReadFrom(since + 1) {
			if err == nil && n%checkEvery == 0 {
				err = ctx.Err()
			}
			var ch shard.Change
			if err == nil {
				ch, err = apply(st, rec)
			}
			if err != nil {
				yield(shard.Change{}, err)
				return
			}
			n++
			if !yield(ch, nil) {
				return
			}
		}
	}
}

// liveCopy returns a private copy of the current state of s if accept
// reports that it is the requested one.
func liveCopy(s *shard.Shard, accept func(*shard.State) bool) (*shard.State, bool, error) {
	var data []byte
	err := s.View(func(live *shard.State) error {
		if !accept(live) {
			return nil
		}
		var err error
		data, err = shard.EncodeState(live)
		return err
	})
	if err != nil || data == nil {
		return nil, false, err
	}
	st, err := shard.DecodeState(data)
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

// replay loads the checkpoint returned by base, or the empty state, and
// applies records until stop reports true or the log ends.
func replay(ctx context.Context, s *shard.Shard, base func() (blob.Checkpoint, bool, error), stop func(wal.Record) bool) (*shard.State, error) {
	st := shard.NewState(s.ID())
	cp, ok, err := base()
	if err != nil {
		return nil, err
	}
	if ok {
		if st, err = shard.DecodeState(cp.Data); err != nil {
			return nil, err
		}
	}

	n := 0
	for rec, err := range s.Log().ReadFrom(st.Seq + 1) {
		if err != nil {
			if errs.CodeOf(err) == errs.CodeCompacted {
				return nil, errs.Wrap(errs.CodeCompacted, err, "requested history was compacted")
			}
			return nil, err
		}
		if stop(rec) {
			break
		}
		if n%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if _, err := apply(st, rec); err != nil {
			return nil, err
		}
		n++
	}
	replayedTotal.Add(n)
	log.Debugf("shard %d: replayed %d records on top of seq %d", s.ID(), n, cp.Seq)
	return st, nil
}

func apply(st *shard.State, rec wal.Record) (shard.Change, error) {
	op, err := shard.DecodeOp(rec.Payload)
	if err != nil {
		return shard.Change{}, err
	}
	ch, _, err := st.Apply(rec.Seq, rec.TS, op)
	return ch, err
}
