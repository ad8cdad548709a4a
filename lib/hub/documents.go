package hub

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/crdt"
	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/shard"
)

// CreateRequest describes a new document. Type 0 creates a text document,
// Parent uuid.Nil places it at the root.
type CreateRequest struct {
	Name    string          `json:"name"`
	Content string          `json:"content"`
	Parent  uuid.UUID       `json:"parent"`
	Type    catalog.DocType `json:"type"`
}

// DocumentView is a document as returned by Read.
type DocumentView struct {
	ID        uuid.UUID          `json:"id"`
	Shard     uint64             `json:"shard"`
	Owner     string             `json:"owner"`
	Name      string             `json:"name"`
	Parent    uuid.UUID          `json:"parent"`
	Type      catalog.DocType    `json:"type"`
	Version   uint64             `json:"version"`
	Size      int                `json:"size"`
	Content   string             `json:"content"`
	ACL       []catalog.ACLEntry `json:"acl"`
	CreatedAt int64              `json:"created_at"`
	UpdatedAt int64              `json:"updated_at"`

	// set for secondary copies
	Primary       bool   `json:"primary"`
	SyncedVersion uint64 `json:"synced_version,omitempty"`
	Stale         bool   `json:"stale,omitempty"`
}

func viewOf(shardID uint64, st *shard.State, d *catalog.Document) *DocumentView {
	v := &DocumentView{
		ID:        d.ID,
		Shard:     shardID,
		Owner:     d.Owner,
		Name:      d.Name,
		Parent:    d.Parent,
		Type:      d.Type,
		Version:   d.Version,
		Size:      d.Size,
		Content:   st.Text(d.ID),
		ACL:       slices.Clone(d.ACL),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
		Primary:   d.IsPrimary(),
	}
	if d.Replica != nil {
		v.SyncedVersion = d.Replica.SyncedVersion
	}
	return v
}

// Create creates a document owned by p on p's shard and returns its id.
// A parent folder must live on the same shard.
func (h *Hub) Create(ctx context.Context, p Principal, req CreateRequest) (id uuid.UUID, err error) {
	defer track("create", time.Now(), &err)

	s, err := h.router.ShardFor(ctx, p.ID)
	if err != nil {
		return uuid.Nil, err
	}
	if req.Parent != uuid.Nil {
		e, _, err := h.locate(ctx, req.Parent)
		if err != nil {
			return uuid.Nil, err
		}
		if e.Shard != s.ID() {
			if !h.CanRead(ctx, p.ID, p.Agent, req.Parent) {
				return uuid.Nil, errs.Newf(errs.CodeAccessDenied, "document %s", req.Parent)
			}
			return uuid.Nil, errs.Newf(errs.CodeInvalidOperation, "folder %s lives on shard %d, documents of %s on shard %d",
				req.Parent, e.Shard, p.ID, s.ID())
		}
	}

	typ := req.Type
	if typ == 0 {
		typ = catalog.TypeText
	}
	op := &shard.Op{
		Kind:   shard.OpCreate,
		Actor:  p.actor(),
		Doc:    uuid.New(),
		Name:   req.Name,
		Parent: req.Parent,
		Type:   typ,
	}
	if typ != catalog.TypeFolder || req.Content != "" {
		content := req.Content
		op.Text = &content
	}
	if _, err := s.Commit(ctx, op); err != nil {
		return uuid.Nil, err
	}
	log.Debugf("%s created %s %s (%q) on shard %d", p.ID, typ, op.Doc, req.Name, s.ID())
	return op.Doc, h.publish(ctx, s, op.Doc)
}

// Read returns the primary copy of id.
func (h *Hub) Read(ctx context.Context, p Principal, id uuid.UUID) (v *DocumentView, err error) {
	defer track("read", time.Now(), &err)

	_, s, err := h.locate(ctx, id)
	if err != nil {
		return nil, err
	}
	err = s.View(func(st *shard.State) error {
		d, err := h.access(st, p, id, catalog.LevelRead)
		if err != nil {
			return err
		}
		v = viewOf(s.ID(), st, d)
		return nil
	})
	return v, err
}

// ReadReplica reads id from p's own shard. If that shard holds a secondary
// copy it is returned with the version it was synced at; Stale tells whether
// the primary has moved on since. Without a copy the primary is read.
func (h *Hub) ReadReplica(ctx context.Context, p Principal, id uuid.UUID) (v *DocumentView, err error) {
	defer track("read_replica", time.Now(), &err)

	home, err := h.router.ShardFor(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	found := false
	err = home.View(func(st *shard.State) error {
		d, ok := st.Catalog.Get(id)
		if !ok || d.IsPrimary() {
			return nil
		}
		found = true
		d, err := h.access(st, p, id, catalog.LevelRead)
		if err != nil {
			return err
		}
		v = viewOf(home.ID(), st, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return h.Read(ctx, p, id)
	}

	e, err := h.router.Lookup(ctx, id)
	switch errs.CodeOf(err) {
	case errs.CodeOK:
		v.Stale = v.SyncedVersion < e.Version
	case errs.CodeNotFound:
		// the primary was purged, the copy is all that is left
		v.Stale = true
	default:
		return nil, err
	}
	return v, nil
}

// Update replaces the content of id and returns the new version. Writing
// the current content again is a no-op returning the current version.
func (h *Hub) Update(ctx context.Context, p Principal, id uuid.UUID, content string) (version uint64, err error) {
	defer track("update", time.Now(), &err)

	res, err := h.commit(ctx, &shard.Op{Kind: shard.OpEdit, Actor: p.actor(), Doc: id, Text: &content})
	return res.Version, err
}

// Merge integrates a remote CRDT state (see crdt.EncodeState) into id.
// Malformed input fails with InvalidMergeInput and changes nothing.
func (h *Hub) Merge(ctx context.Context, p Principal, id uuid.UUID, remote []byte) (res shard.Result, err error) {
	defer track("merge", time.Now(), &err)

	state, err := crdt.DecodeState(remote)
	if err != nil {
		return shard.Result{}, err
	}
	return h.commit(ctx, &shard.Op{Kind: shard.OpEdit, Actor: p.actor(), Doc: id, Ops: state.Ops})
}

// Rename changes the name of id.
func (h *Hub) Rename(ctx context.Context, p Principal, id uuid.UUID, name string) (err error) {
	defer track("rename", time.Now(), &err)

	_, err = h.commit(ctx, &shard.Op{Kind: shard.OpRename, Actor: p.actor(), Doc: id, Name: name})
	return err
}

// Move places id under newParent, uuid.Nil being the root. Moves across
// shards are not supported.
func (h *Hub) Move(ctx context.Context, p Principal, id, newParent uuid.UUID) (err error) {
	defer track("move", time.Now(), &err)

	e, s, err := h.locate(ctx, id)
	if err != nil {
		return err
	}
	if newParent != uuid.Nil {
		pe, _, err := h.locate(ctx, newParent)
		if err != nil {
			return err
		}
		if pe.Shard != e.Shard {
			if !h.CanRead(ctx, p.ID, p.Agent, newParent) {
				return errs.Newf(errs.CodeAccessDenied, "document %s", newParent)
			}
			return errs.Newf(errs.CodeInvalidOperation, "cannot move %s from shard %d to shard %d", id, e.Shard, pe.Shard)
		}
	}

	res, err := s.Commit(ctx, &shard.Op{Kind: shard.OpMove, Actor: p.actor(), Doc: id, Parent: newParent})
	if err != nil || res.Noop {
		return err
	}
	h.markDirty(e.Parent)
	return h.publish(ctx, s, id)
}

// Delete soft deletes id and, for folders, everything below it. The
// content stays available to the timeline until compaction.
func (h *Hub) Delete(ctx context.Context, p Principal, id uuid.UUID) (err error) {
	defer track("delete", time.Now(), &err)

	_, s, err := h.locate(ctx, id)
	if err != nil {
		return err
	}
	var affected []uuid.UUID
	_ = s.View(func(st *shard.State) error {
		for _, d := range st.Catalog.Subtree(id) {
			affected = append(affected, d.ID)
		}
		return nil
	})

	res, err := s.Commit(ctx, &shard.Op{Kind: shard.OpDelete, Actor: p.actor(), Doc: id})
	if err != nil || res.Noop {
		return err
	}
	log.Debugf("%s deleted %s (%d documents)", p.ID, id, len(affected))
	return h.publish(ctx, s, affected...)
}

// commit runs a single document operation against the primary of op.Doc
// and publishes the result.
func (h *Hub) commit(ctx context.Context, op *shard.Op) (shard.Result, error) {
	_, s, err := h.locate(ctx, op.Doc)
	if err != nil {
		return shard.Result{}, err
	}
	res, err := s.Commit(ctx, op)
	if err != nil || res.Noop {
		return res, err
	}
	return res, h.publish(ctx, s, op.Doc)
}
