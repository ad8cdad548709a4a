package router

import (
	"context"
	"slices"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/shard"
	"github.com/ValentinKolb/ctxhub/lib/util"
)

var log = logger.GetLogger("router")

var (
	assignmentsTotal = metrics.NewCounter("ctxhub_router_assignments_total")
	sharesTotal      = metrics.NewCounter("ctxhub_router_shares_total")
)

// Options configures a Router.
type Options struct {
	// ShardIDs are the shards new owners are spread over.
	ShardIDs []uint64
	// QueueSize bounds the replication queue. Jobs that do not fit are
	// picked up by the next sweep.
	QueueSize int
	// SweepInterval is the period of the lagging placement sweep.
	SweepInterval time.Duration
}

// Router maps owners and documents to shards and keeps secondary copies of
// shared documents in sync.
type Router struct {
	opts   Options
	dir    *Directory
	shards *xsync.MapOf[uint64, shard.IShard]
	owners *xsync.MapOf[string, uint64] // cache of persisted assignments
	repl   *replicator
}

// New creates a router on top of dir.
func New(dir *Directory, opts Options) *Router {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	opts.ShardIDs = slices.Clone(opts.ShardIDs)
	slices.Sort(opts.ShardIDs)

	r := &Router{
		opts:   opts,
		dir:    dir,
		shards: xsync.NewMapOf[uint64, shard.IShard](),
		owners: xsync.NewMapOf[string, uint64](),
	}
	r.repl = newReplicator(r, opts.QueueSize)
	return r
}

// Directory returns the underlying directory.
func (r *Router) Directory() *Directory { return r.dir }

// --------------------------------------------------------------------------
// Shards
// --------------------------------------------------------------------------

// AddShard makes s reachable through the router.
func (r *Router) AddShard(s shard.IShard) {
	r.shards.Store(s.ID(), s)
}

// Shard returns the shard with the given id.
func (r *Router) Shard(id uint64) (shard.IShard, error) {
	s, ok := r.shards.Load(id)
	if !ok {
		return nil, errs.Newf(errs.CodeInternal, "shard %d is not served by this node", id)
	}
	return s, nil
}

// Shards returns all shards sorted by id.
func (r *Router) Shards() []shard.IShard {
	var out []shard.IShard
	r.shards.Range(func(_ uint64, s shard.IShard) bool {
		out = append(out, s)
		return true
	})
	slices.SortFunc(out, func(a, b shard.IShard) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		}
		return 0
	})
	return out
}

// --------------------------------------------------------------------------
// Resolution
// --------------------------------------------------------------------------

// ResolveShard returns the shard of owner. The first call for an owner
// picks a shard by hashing the owner over the configured shard ids and
// persists the choice; later calls return the persisted assignment even if
// the configured shards changed in between.
func (r *Router) ResolveShard(ctx context.Context, owner string) (uint64, error) {
	if owner == "" {
		return 0, errs.New(errs.CodeInvalidOperation, "empty owner")
	}
	if id, ok := r.owners.Load(owner); ok {
		return id, nil
	}

	id, ok, err := r.dir.Assignment(ctx, owner)
	if err != nil {
		return 0, err
	}
	if !ok {
		pick, ok := util.PickShard(owner, r.opts.ShardIDs)
		if !ok {
			return 0, errs.New(errs.CodeInternal, "no shards configured")
		}
		if id, err = r.dir.Assign(ctx, owner, pick); err != nil {
			return 0, err
		}
		assignmentsTotal.Inc()
		log.Debugf("assigned owner %q to shard %d", owner, id)
	}
	r.owners.Store(owner, id)
	return id, nil
}

// ShardFor resolves the shard of owner and returns it.
func (r *Router) ShardFor(ctx context.Context, owner string) (shard.IShard, error) {
	id, err := r.ResolveShard(ctx, owner)
	if err != nil {
		return nil, err
	}
	return r.Shard(id)
}

// Register records a document in the directory and schedules replication
// of its secondary copies if it has any.
func (r *Router) Register(ctx context.Context, e Entry) error {
	if err := r.dir.Register(ctx, e); err != nil {
		return err
	}
	placements, err := r.dir.Placements(ctx, e.Doc)
	if err != nil {
		return err
	}
	for _, p := range placements {
		if !p.Primary && p.Status != StatusOrphaned && p.SyncedVersion < e.Version {
			r.repl.enqueue(job{doc: e.Doc, target: p.Shard})
		}
	}
	return nil
}

// Lookup returns the directory record of a document.
func (r *Router) Lookup(ctx context.Context, id uuid.UUID) (Entry, error) {
	return r.dir.Lookup(ctx, id)
}

// Locate returns the directory record of a document and its primary shard.
func (r *Router) Locate(ctx context.Context, id uuid.UUID) (Entry, shard.IShard, error) {
	e, err := r.dir.Lookup(ctx, id)
	if err != nil {
		return Entry{}, nil, err
	}
	s, err := r.Shard(e.Shard)
	if err != nil {
		return Entry{}, nil, err
	}
	return e, s, nil
}

// FindByName searches document names, see Directory.FindByName. The results
// are not filtered by access.
func (r *Router) FindByName(ctx context.Context, term string, limit, offset int) ([]Entry, error) {
	return r.dir.FindByName(ctx, term, limit, offset)
}

// Remove drops purged documents from the directory.
func (r *Router) Remove(ctx context.Context, ids ...uuid.UUID) error {
	for _, id := range ids {
		if err := r.dir.Remove(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Sharing
// --------------------------------------------------------------------------

// ShareCrossShard places a copy of doc on the shard of targetOwner. If the
// target owner lives on the primary shard no copy is needed and the primary
// placement is returned. Otherwise a pending placement is recorded and its
// replication is scheduled; sharing a document twice is harmless.
func (r *Router) ShareCrossShard(ctx context.Context, doc uuid.UUID, targetOwner string) (Placement, error) {
	e, err := r.dir.Lookup(ctx, doc)
	if err != nil {
		return Placement{}, err
	}
	target, err := r.ResolveShard(ctx, targetOwner)
	if err != nil {
		return Placement{}, err
	}
	if _, err := r.dir.AddPlacement(ctx, doc, e.Shard, true); err != nil {
		return Placement{}, err
	}
	if target == e.Shard {
		return r.dir.Placement(ctx, doc, e.Shard)
	}

	created, err := r.dir.AddPlacement(ctx, doc, target, false)
	if err != nil {
		return Placement{}, err
	}
	if created {
		sharesTotal.Inc()
		log.Infof("document %s shared from shard %d to shard %d", doc, e.Shard, target)
	}
	p, err := r.dir.Placement(ctx, doc, target)
	if err != nil {
		return Placement{}, err
	}
	if p.SyncedVersion < e.Version {
		r.repl.enqueue(job{doc: doc, target: target})
	}
	return p, nil
}

// Placements returns every placement of doc.
func (r *Router) Placements(ctx context.Context, doc uuid.UUID) ([]Placement, error) {
	return r.dir.Placements(ctx, doc)
}

// Replicate brings the copy of doc on target up to date now.
func (r *Router) Replicate(ctx context.Context, doc uuid.UUID, target uint64) error {
	return r.repl.sync(ctx, job{doc: doc, target: target})
}

// Sweep schedules every lagging placement and returns how many were
// scheduled.
func (r *Router) Sweep(ctx context.Context) (int, error) {
	return r.repl.sweep(ctx)
}

// Pending returns the number of queued replication jobs.
func (r *Router) Pending() int {
	return r.repl.pending.Size()
}

// Run processes replication jobs until ctx is done. A sweep runs at start
// and then every SweepInterval.
func (r *Router) Run(ctx context.Context) error {
	return r.repl.run(ctx, r.opts.SweepInterval)
}
