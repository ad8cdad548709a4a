package hub

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/router"
	"github.com/ValentinKolb/ctxhub/lib/shard"
)

// Grant gives principal access to id at level. Only the owner can grant.
// Granting an existing entry again replaces its level.
func (h *Hub) Grant(ctx context.Context, p Principal, id uuid.UUID, principal string, level catalog.Level) (err error) {
	defer track("grant", time.Now(), &err)

	if level != catalog.LevelRead && level != catalog.LevelWrite {
		return errs.Newf(errs.CodeInvalidOperation, "cannot grant level %s", level)
	}
	_, err = h.commit(ctx, &shard.Op{Kind: shard.OpGrant, Actor: p.actor(), Doc: id, Principal: principal, Level: level})
	return err
}

// Revoke removes the access entry of principal from id. Search results are
// filtered at query time, so the document disappears from principal's
// results immediately.
func (h *Hub) Revoke(ctx context.Context, p Principal, id uuid.UUID, principal string) (err error) {
	defer track("revoke", time.Now(), &err)

	_, err = h.commit(ctx, &shard.Op{Kind: shard.OpRevoke, Actor: p.actor(), Doc: id, Principal: principal})
	return err
}

// Share grants target access to id and, if target lives on another shard,
// places a secondary copy of id there. The copy is created and kept up to
// date by the replicator in the background.
func (h *Hub) Share(ctx context.Context, p Principal, id uuid.UUID, target string, level catalog.Level) (pl router.Placement, err error) {
	defer track("share", time.Now(), &err)

	if err := h.Grant(ctx, p, id, target, level); err != nil {
		return router.Placement{}, err
	}
	return h.router.ShareCrossShard(ctx, id, target)
}

// Placements lists where copies of id live.
func (h *Hub) Placements(ctx context.Context, p Principal, id uuid.UUID) ([]router.Placement, error) {
	if !h.CanRead(ctx, p.ID, p.Agent, id) {
		return nil, errs.Newf(errs.CodeAccessDenied, "document %s", id)
	}
	return h.router.Placements(ctx, id)
}
