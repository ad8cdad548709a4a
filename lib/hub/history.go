package hub

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/shard"
	"github.com/ValentinKolb/ctxhub/lib/timeline"
)

// scopeShard returns the shard a timeline scope refers to: the shard of the
// scope's document, or p's own shard for a whole shard scope.
func (h *Hub) scopeShard(ctx context.Context, p Principal, scope timeline.Scope) (shard.IShard, error) {
	if scope.Doc == uuid.Nil {
		return h.router.ShardFor(ctx, p.ID)
	}
	_, s, err := h.locate(ctx, scope.Doc)
	return s, err
}

// GetState reconstructs scope as it was at ts (unix nanoseconds) as far as
// p could see it then.
func (h *Hub) GetState(ctx context.Context, p Principal, scope timeline.Scope, ts int64) (v *timeline.View, err error) {
	defer track("get_state", time.Now(), &err)

	s, err := h.scopeShard(ctx, p, scope)
	if err != nil {
		return nil, err
	}
	return timeline.GetState(ctx, s.Local(), timeline.Request{
		Principal: p.ID,
		Agent:     p.Agent,
		Scope:     scope,
		TS:        ts,
		Scopes:    h.scopes.Current(),
	})
}

// GetChanges streams the changes of shardID after sequence since, limited
// to documents p can currently see. The sequence ends at the last committed
// change.
func (h *Hub) GetChanges(ctx context.Context, p Principal, shardID uint64, since uint64) iter.Seq2[shard.Change, error] {
	return func(yield func(shard.Change, error) bool) {
		s, err := h.router.Shard(shardID)
		if err != nil {
			yield(shard.Change{}, errs.Newf(errs.CodeNotFound, "shard %d", shardID))
			return
		}
		visible := make(map[uuid.UUID]bool)
		for ch, err := range timeline.Changes(ctx, s.Local(), since) {
			if err != nil {
				yield(shard.Change{}, err)
				return
			}
			ok, known := visible[ch.Doc]
			if !known {
				ok = h.sees(s, p, ch.Doc)
				visible[ch.Doc] = ok
			}
			if ok && !yield(ch, nil) {
				return
			}
		}
	}
}

// Subscribe streams the changes of scope from sequence from on, 0 meaning
// the next commit. Only changes of documents p can see are delivered.
func (h *Hub) Subscribe(ctx context.Context, p Principal, scope timeline.Scope, from uint64) (sub *timeline.Subscription, err error) {
	defer track("subscribe", time.Now(), &err)

	s, err := h.scopeShard(ctx, p, scope)
	if err != nil {
		return nil, err
	}
	if scope.Doc != uuid.Nil && !h.sees(s, p, scope.Doc) {
		return nil, errs.Newf(errs.CodeAccessDenied, "document %s", scope.Doc)
	}
	return timeline.Subscribe(ctx, s.Local(), scope, from, timeline.SubscribeOptions{
		Filter: func(ch shard.Change) bool { return h.sees(s, p, ch.Doc) },
	})
}
