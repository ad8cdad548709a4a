package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/blob"
	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/router"
	"github.com/ValentinKolb/ctxhub/lib/shard"
)

// Checkpoint persists the state of every shard.
func (h *Hub) Checkpoint(ctx context.Context) (out map[uint64]blob.CheckpointInfo, err error) {
	defer track("checkpoint", time.Now(), &err)

	out = make(map[uint64]blob.CheckpointInfo)
	for _, s := range h.router.Shards() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		info, err := s.Checkpoint()
		if err != nil {
			return out, fmt.Errorf("shard %d: %w", s.ID(), err)
		}
		out[s.ID()] = info
	}
	return out, nil
}

// Compact purges every document deleted before olderThan (unix nanoseconds)
// from all shards and drops the history no checkpoint needs anymore. Purged
// primaries leave the directory and the search index.
func (h *Hub) Compact(ctx context.Context, olderThan int64) (out map[uint64]shard.CompactReport, err error) {
	defer track("compact", time.Now(), &err)

	out = make(map[uint64]shard.CompactReport)
	for _, s := range h.router.Shards() {
		rep, err := s.Compact(ctx, olderThan)
		if err != nil {
			return out, fmt.Errorf("shard %d: %w", s.ID(), err)
		}
		out[s.ID()] = rep

		var primaries []uuid.UUID
		for _, id := range rep.Purged {
			e, err := h.router.Lookup(ctx, id)
			if err == nil && e.Shard == s.ID() {
				primaries = append(primaries, id)
			} else if err != nil && errs.CodeOf(err) != errs.CodeNotFound {
				return out, err
			}
		}
		if err := h.router.Remove(ctx, primaries...); err != nil {
			return out, err
		}
		for _, id := range primaries {
			h.index.Remove(id)
		}
		if len(rep.Purged) > 0 {
			log.Infof("shard %d: purged %d documents, history retained from %d", s.ID(), len(rep.Purged), rep.RetainedFrom)
		}
	}
	return out, nil
}

// Info describes the hub.
type Info struct {
	Shards             []shard.Info   `json:"shards"`
	Assignments        map[uint64]int `json:"assignments"` // owners per shard
	Indexed            int            `json:"indexed"`
	IndexPending       int64          `json:"index_pending"`
	ReplicationPending int            `json:"replication_pending"`
	ScopeReloads       uint64         `json:"scope_reloads"`
	AgentScopes        int            `json:"agent_scopes"`
}

// Info collects the state of every shard and of the derived data.
func (h *Hub) Info(ctx context.Context) (*Info, error) {
	assignments, err := h.router.Directory().Assignments(ctx)
	if err != nil {
		return nil, err
	}
	info := &Info{
		Assignments:        assignments,
		Indexed:            h.index.Len(),
		IndexPending:       h.index.Pending(),
		ReplicationPending: h.router.Pending(),
		ScopeReloads:       h.scopes.Reloads(),
		AgentScopes:        h.scopes.Current().Len(),
	}
	for _, s := range h.router.Shards() {
		info.Shards = append(info.Shards, s.Info())
	}
	return info, nil
}

// Reindex rebuilds the derived data from the shards: every primary is
// registered with the directory again, live text documents are queued for
// indexing and every folder's guide is checked. Open runs it, since the
// search index lives in memory.
func (h *Hub) Reindex(ctx context.Context) error {
	var errList []error
	for _, s := range h.router.Shards() {
		var (
			entries []router.Entry
			deleted []uuid.UUID
		)
		err := s.View(func(st *shard.State) error {
			for _, d := range st.Catalog.All() {
				if !d.IsPrimary() {
					continue
				}
				entries = append(entries, router.EntryOf(s.ID(), d))
				if d.Deleted {
					deleted = append(deleted, d.ID)
				}
			}
			return nil
		})
		if err != nil {
			errList = append(errList, fmt.Errorf("shard %d: %w", s.ID(), err))
			continue
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := h.router.Register(ctx, e); err != nil {
				errList = append(errList, err)
				continue
			}
			switch e.Type {
			case catalog.TypeText:
				if !e.Deleted {
					h.index.Index(e.Doc)
				}
			case catalog.TypeFolder:
				if !e.Deleted {
					h.markDirty(e.Doc)
				}
			case catalog.TypeIndexGuide:
			}
		}
		log.Infof("shard %d: registered %d documents (%d deleted)", s.ID(), len(entries), len(deleted))
	}
	return errors.Join(errList...)
}
