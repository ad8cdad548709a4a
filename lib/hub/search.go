package hub

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/router"
	"github.com/ValentinKolb/ctxhub/lib/search"
	"github.com/ValentinKolb/ctxhub/lib/shard"
)

// Search runs a full text query over names and content. Only documents p
// can read right now are returned.
func (h *Hub) Search(ctx context.Context, p Principal, term string, limit int) (res []search.Result, err error) {
	defer track("search", time.Now(), &err)
	return h.index.Query(ctx, term, p.ID, p.Agent, limit)
}

// FindByName searches document names through the directory's trigram
// index. Only documents p can read are returned.
func (h *Hub) FindByName(ctx context.Context, p Principal, term string, limit int) (res []router.Entry, err error) {
	defer track("find_by_name", time.Now(), &err)

	if limit <= 0 {
		limit = 50
	}
	// access filtering drops hits, page through the directory until limit
	// readable ones are found
	page := max(limit*4, 64)
	for offset := 0; len(res) < limit; offset += page {
		entries, err := h.router.FindByName(ctx, term, page, offset)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if len(res) == limit {
				break
			}
			if h.CanRead(ctx, p.ID, p.Agent, e.Doc) {
				res = append(res, e)
			}
		}
		if len(entries) < page {
			break
		}
	}
	return res, nil
}

// Fetch implements search.Source. Only live text documents are indexed.
func (h *Hub) Fetch(ctx context.Context, id uuid.UUID) (doc search.Document, ok bool, err error) {
	_, s, err := h.router.Locate(ctx, id)
	if errs.CodeOf(err) == errs.CodeNotFound {
		return search.Document{}, false, nil
	}
	if err != nil {
		return search.Document{}, false, err
	}
	err = s.View(func(st *shard.State) error {
		d, found := st.Catalog.Get(id)
		if !found || d.Deleted || d.Type != catalog.TypeText {
			return nil
		}
		doc = search.Document{ID: id, Owner: d.Owner, Name: d.Name, Content: st.Text(id)}
		ok = true
		return nil
	})
	return doc, ok, err
}

// CanRead implements search.AccessChecker. It is true if principal, acting
// through agent, may read the live document id.
func (h *Hub) CanRead(ctx context.Context, principal, agent string, id uuid.UUID) bool {
	_, s, err := h.router.Locate(ctx, id)
	if err != nil {
		return false
	}
	ok := false
	_ = s.View(func(st *shard.State) error {
		d, found := st.Catalog.Get(id)
		ok = found && !d.Deleted && st.Catalog.CheckAccess(principal, agent, id, catalog.LevelRead, h.scopes.Current())
		return nil
	})
	return ok
}
