package timeline

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/shard"
)

// Scope selects the documents of a timeline query or subscription.
type Scope struct {
	Doc     uuid.UUID `json:"doc"`     // uuid.Nil together with Subtree selects the whole shard
	Subtree bool      `json:"subtree"` // include every descendant of Doc
}

// DocState is a document as it was at the requested instant.
type DocState struct {
	ID        uuid.UUID          `json:"id"`
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
	Deleted   bool               `json:"deleted"`
	DeletedAt int64              `json:"deleted_at,omitempty"`
}

// View is the result of GetState.
type View struct {
	Shard uint64     `json:"shard"`
	At    int64      `json:"at"`  // requested instant
	Seq   uint64     `json:"seq"` // last record at or before At
	TS    int64      `json:"ts"`  // timestamp of that record
	Docs  []DocState `json:"docs"`
}

// Request is a GetState query.
type Request struct {
	Principal string
	Agent     string
	Scope     Scope
	TS        int64
	Scopes    *catalog.Scopes // agent scopes in effect, may be nil
}

// GetState reconstructs the documents selected by req.Scope as they were at
// req.TS, as far as req.Principal may see them.
//
// Visibility follows the catalog at that instant. A document that did not
// exist yet is NotFound for principals that can read it today and
// AccessDenied for everybody else. A deleted document is returned with
// Deleted set to its owner and denied to everybody else.
func GetState(ctx context.Context, s *shard.Shard, req Request) (*View, error) {
	if req.Scope.Doc == uuid.Nil && !req.Scope.Subtree {
		return nil, errs.New(errs.CodeInvalidOperation, "scope needs a document")
	}
	st, err := Reconstruct(ctx, s, req.TS)
	if err != nil {
		return nil, err
	}
	v := &View{Shard: st.Shard, At: req.TS, Seq: st.Seq, TS: st.TS}

	visible := func(d *catalog.Document) bool {
		if d.Owner == req.Principal && st.Catalog.InScope(req.Principal, req.Agent, d.ID, req.Scopes) {
			return true
		}
		return !d.Deleted && st.Catalog.CheckAccess(req.Principal, req.Agent, d.ID, catalog.LevelRead, req.Scopes)
	}

	root := req.Scope.Doc
	if root != uuid.Nil {
		d, ok := st.Catalog.Get(root)
		if !ok {
			if readableNow(s, req, root) {
				return nil, errs.Newf(errs.CodeNotFound, "document %s did not exist at %d", root, req.TS)
			}
			return nil, errs.Newf(errs.CodeAccessDenied, "document %s", root)
		}
		if !visible(d) {
			return nil, errs.Newf(errs.CodeAccessDenied, "document %s", root)
		}
		v.Docs = append(v.Docs, docState(st, d))
	}

	if req.Scope.Subtree {
		for _, d := range st.Catalog.All() {
			if d.ID == root || (root != uuid.Nil && !st.Catalog.IsAncestor(root, d.ID)) {
				continue
			}
			if visible(d) {
				v.Docs = append(v.Docs, docState(st, d))
			}
		}
	}
	return v, nil
}

// readableNow reports whether the principal can read id in the current
// state of s.
func readableNow(s *shard.Shard, req Request, id uuid.UUID) bool {
	ok := false
	_ = s.View(func(live *shard.State) error {
		ok = live.Catalog.CheckAccess(req.Principal, req.Agent, id, catalog.LevelRead, req.Scopes)
		return nil
	})
	return ok
}

func docState(st *shard.State, d *catalog.Document) DocState {
	return DocState{
		ID:        d.ID,
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
		Deleted:   d.Deleted,
		DeletedAt: d.DeletedAt,
	}
}
