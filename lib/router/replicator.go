package router

import (
	"context"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/crdt"
	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/shard"
)

var (
	replicationsTotal   = metrics.NewCounter("ctxhub_router_replications_total")
	replicationFailures = metrics.NewCounter("ctxhub_router_replication_failures_total")
	replicationDropped  = metrics.NewCounter("ctxhub_router_replication_dropped_total")
	replicationLag      = metrics.NewHistogram("ctxhub_router_replication_lag_versions")
	replicationDuration = metrics.NewHistogram("ctxhub_router_replication_duration_seconds")
)

type job struct {
	doc    uuid.UUID
	target uint64
}

// replicator copies primary documents to their secondary placements. Jobs
// arrive on a bounded channel and are processed one at a time. A job runs
// in two steps:
//
//  1. append OpReplicaSync with the ops missing on the target to the target
//     shard
//  2. persist the new watermark in the directory and append
//     OpShareComplete to the source shard
//
// Both steps are idempotent, so a job interrupted between them is simply
// run again.
type replicator struct {
	r       *Router
	jobs    chan job
	pending *xsync.MapOf[job, struct{}] // jobs in the channel
}

func newReplicator(r *Router, size int) *replicator {
	return &replicator{
		r:       r,
		jobs:    make(chan job, size),
		pending: xsync.NewMapOf[job, struct{}](),
	}
}

// enqueue schedules j unless it is already queued. A full queue drops the
// job; the next sweep finds the placement again.
func (rp *replicator) enqueue(j job) {
	if _, loaded := rp.pending.LoadOrStore(j, struct{}{}); loaded {
		return
	}
	select {
	case rp.jobs <- j:
	default:
		rp.pending.Delete(j)
		replicationDropped.Inc()
		log.Warningf("replication queue full, deferring %s -> shard %d to the next sweep", j.doc, j.target)
	}
}

func (rp *replicator) run(ctx context.Context, interval time.Duration) error {
	if _, err := rp.sweep(ctx); err != nil {
		log.Warningf("initial sweep failed: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := rp.sweep(ctx); err != nil {
				log.Warningf("sweep failed: %v", err)
			}
		case j := <-rp.jobs:
			rp.pending.Delete(j)
			if err := rp.sync(ctx, j); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				replicationFailures.Inc()
				log.Errorf("replication of %s to shard %d failed: %v", j.doc, j.target, err)
			}
		}
	}
}

func (rp *replicator) sweep(ctx context.Context) (int, error) {
	lagging, err := rp.r.dir.Lagging(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range lagging {
		rp.enqueue(job{doc: p.Doc, target: p.Shard})
	}
	if len(lagging) > 0 {
		log.Debugf("sweep scheduled %d lagging placements", len(lagging))
	}
	return len(lagging), nil
}

// sync runs one replication job.
func (rp *replicator) sync(ctx context.Context, j job) error {
	defer replicationDuration.UpdateDuration(time.Now())

	e, err := rp.r.dir.Lookup(ctx, j.doc)
	if err != nil {
		return err
	}
	if j.target == e.Shard {
		return errs.Newf(errs.CodeInvalidOperation, "shard %d holds the primary of %s", j.target, j.doc)
	}
	p, err := rp.r.dir.Placement(ctx, j.doc, j.target)
	if err != nil {
		return err
	}
	src, err := rp.r.Shard(e.Shard)
	if err != nil {
		return err
	}
	dst, err := rp.r.Shard(j.target)
	if err != nil {
		return err
	}

	var (
		meta *catalog.Document
		ops  []crdt.Op
	)
	err = src.View(func(st *shard.State) error {
		d, ok := st.Catalog.Get(j.doc)
		if !ok {
			return errs.Newf(errs.CodeNotFound, "document %s", j.doc)
		}
		if !d.IsPrimary() {
			return errs.Newf(errs.CodeNotPrimary, "document %s on shard %d", j.doc, e.Shard)
		}
		meta = d.Clone()
		if c, ok := st.Content[j.doc]; ok {
			ops = c.OpsSince(p.SyncedVersion)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if meta.Version <= p.SyncedVersion {
		return nil
	}
	meta.Replica = &catalog.ReplicaInfo{PrimaryShard: e.Shard}

	// step 1: target first
	if _, err := dst.Commit(ctx, &shard.Op{
		Kind:  shard.OpReplicaSync,
		Actor: shard.SystemActor,
		Doc:   j.doc,
		Meta:  meta,
		Ops:   ops,
	}); err != nil {
		return err
	}

	// step 2: watermark, then source metadata
	if err := rp.r.dir.MarkSynced(ctx, j.doc, j.target, meta.Version); err != nil {
		return err
	}
	if _, err := src.Commit(ctx, &shard.Op{
		Kind:          shard.OpShareComplete,
		Actor:         shard.SystemActor,
		Doc:           j.doc,
		Target:        j.target,
		SyncedVersion: meta.Version,
	}); err != nil {
		return err
	}

	replicationsTotal.Inc()
	replicationLag.Update(float64(meta.Version - p.SyncedVersion))
	log.Debugf("replicated %s to shard %d at version %d (%d ops)", j.doc, j.target, meta.Version, len(ops))
	return nil
}
