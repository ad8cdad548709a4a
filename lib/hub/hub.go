package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/router"
	"github.com/ValentinKolb/ctxhub/lib/search"
	"github.com/ValentinKolb/ctxhub/lib/shard"
)

var log = logger.GetLogger("hub")

// track records the duration and outcome of a facade call. Use it with a
// named error result: defer track("create", time.Now(), &err).
func track(op string, start time.Time, err *error) {
	metrics.GetOrCreateHistogram(`ctxhub_hub_op_duration_seconds{op="` + op + `"}`).UpdateDuration(start)
	if *err != nil {
		metrics.GetOrCreateCounter(`ctxhub_hub_op_errors_total{op="` + op + `",code="` + errs.CodeOf(*err).String() + `"}`).Inc()
	}
}

// Principal is the authenticated caller of a hub operation. Agent is set
// when a user acts through an agent, the agent's scope then limits what the
// user can reach.
type Principal struct {
	ID    string `json:"id"`
	Agent string `json:"agent,omitempty"`
}

func (p Principal) actor() shard.Actor {
	return shard.Actor{Principal: p.ID, Agent: p.Agent}
}

// Options configures a Hub.
type Options struct {
	// Search configures the full text index.
	Search search.Options
	// CheckpointInterval checkpoints every shard periodically. 0 disables
	// the ticker.
	CheckpointInterval time.Duration
	// ScopeFile is watched for changes of the agent scopes if set.
	ScopeFile string
	// GuideDelay batches index guide regeneration after folder changes.
	GuideDelay time.Duration
}

// Hub is the entry point of the storage core. It resolves documents to
// shards, enforces access on every call and keeps the derived data (the
// directory, the search index and index guides) in step with the shards.
//
// Background work (replication, indexing, guide regeneration, checkpoints
// and scope reloads) runs between Start and Close.
//
// Thread-safety: All methods are safe for concurrent use.
type Hub struct {
	opts   Options
	router *router.Router
	scopes *catalog.ScopeConfig
	index  *search.Index

	dirty *xsync.MapOf[uuid.UUID, struct{}] // folders whose guide may be stale
	wake  chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	closers []func() error
}

// New creates a hub over the shards registered with r. scopes may be nil.
func New(r *router.Router, scopes *catalog.ScopeConfig, opts Options) *Hub {
	if scopes == nil {
		scopes = catalog.NewScopeConfig(nil)
	}
	if opts.GuideDelay <= 0 {
		opts.GuideDelay = 200 * time.Millisecond
	}
	h := &Hub{
		opts:   opts,
		router: r,
		scopes: scopes,
		dirty:  xsync.NewMapOf[uuid.UUID, struct{}](),
		wake:   make(chan struct{}, 1),
	}
	h.index = search.New(h, h, opts.Search)
	return h
}

// Router returns the shard router.
func (h *Hub) Router() *router.Router { return h.router }

// Scopes returns the agent scope handle.
func (h *Hub) Scopes() *catalog.ScopeConfig { return h.scopes }

// Start launches the background work. It stops when ctx is done or Close
// is called.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.group != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	h.cancel, h.group = cancel, g

	g.Go(func() error { return h.router.Run(gctx) })
	g.Go(func() error { return h.index.Run(gctx) })
	g.Go(func() error { return h.runGuides(gctx) })
	if h.opts.CheckpointInterval > 0 {
		g.Go(func() error { return h.runCheckpoints(gctx) })
	}
	if h.opts.ScopeFile != "" {
		g.Go(func() error { return h.scopes.Watch(gctx, h.opts.ScopeFile) })
	}
	log.Infof("hub started with %d shards", len(h.router.Shards()))
}

// Flush waits until the derived data reflects every mutation made so far:
// index guides are regenerated and the search index is up to date.
// Replication is not awaited.
func (h *Hub) Flush(ctx context.Context) error {
	if err := h.RefreshGuides(ctx); err != nil {
		return err
	}
	return h.index.Flush(ctx)
}

// Close stops the background work and releases what Open acquired.
func (h *Hub) Close() error {
	h.mu.Lock()
	cancel, g := h.cancel, h.group
	closers := h.closers
	h.closers = nil
	h.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		err = g.Wait()
	}
	h.index.Close()
	for i := len(closers) - 1; i >= 0; i-- {
		err = errors.Join(err, closers[i]())
	}
	return err
}

func (h *Hub) runCheckpoints(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := h.Checkpoint(ctx); err != nil && ctx.Err() == nil {
				log.Warningf("periodic checkpoint failed: %v", err)
			}
		}
	}
}

// --------------------------------------------------------------------------
// Resolution helpers
// --------------------------------------------------------------------------

// locate resolves id to its primary shard. Unknown ids are reported as
// access denied so that callers learn nothing about their existence.
func (h *Hub) locate(ctx context.Context, id uuid.UUID) (router.Entry, shard.IShard, error) {
	e, s, err := h.router.Locate(ctx, id)
	if errs.CodeOf(err) == errs.CodeNotFound {
		return router.Entry{}, nil, errs.Newf(errs.CodeAccessDenied, "document %s", id)
	}
	return e, s, err
}

// access looks id up in st for p. Invisible documents are access denied,
// deleted ones not found.
func (h *Hub) access(st *shard.State, p Principal, id uuid.UUID, level catalog.Level) (*catalog.Document, error) {
	d, ok := st.Catalog.Get(id)
	if !ok || !st.Catalog.CheckAccess(p.ID, p.Agent, id, level, h.scopes.Current()) {
		return nil, errs.Newf(errs.CodeAccessDenied, "%s access to %s", level, id)
	}
	if d.Deleted {
		return nil, errs.Newf(errs.CodeNotFound, "document %s is deleted", id)
	}
	return d, nil
}

// sees reports whether p may observe id on s: the owner sees deleted
// documents, everybody else needs read access to a live one.
func (h *Hub) sees(s shard.IShard, p Principal, id uuid.UUID) bool {
	ok := false
	_ = s.View(func(st *shard.State) error {
		d, found := st.Catalog.Get(id)
		if !found {
			return nil
		}
		scopes := h.scopes.Current()
		if d.Owner == p.ID {
			ok = st.Catalog.InScope(p.ID, p.Agent, id, scopes)
			return nil
		}
		ok = !d.Deleted && st.Catalog.CheckAccess(p.ID, p.Agent, id, catalog.LevelRead, scopes)
		return nil
	})
	return ok
}

// publish propagates committed changes of ids on s to the directory, the
// search index and the guides of their folders.
func (h *Hub) publish(ctx context.Context, s shard.IShard, ids ...uuid.UUID) error {
	var entries []router.Entry
	_ = s.View(func(st *shard.State) error {
		for _, id := range ids {
			if d, ok := st.Catalog.Get(id); ok && d.IsPrimary() {
				entries = append(entries, router.EntryOf(s.ID(), d))
			}
		}
		return nil
	})

	var err error
	for _, e := range entries {
		if rerr := h.router.Register(ctx, e); rerr != nil {
			log.Warningf("directory update of %s failed: %v", e.Doc, rerr)
			err = errors.Join(err, rerr)
		}
		switch e.Type {
		case catalog.TypeText:
			h.index.Index(e.Doc)
			h.markDirty(e.Parent)
		case catalog.TypeFolder:
			h.markDirty(e.Parent)
			h.markDirty(e.Doc)
		case catalog.TypeIndexGuide:
		}
	}
	return err
}
