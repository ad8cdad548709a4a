package catalog

import (
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/errs"
)

// Catalog holds the document metadata of one shard and answers structural
// and permission questions about it.
//
// Thread-safety: Catalog is not safe for concurrent use. It is part of the
// shard state and guarded by the shard lock.
type Catalog struct {
	docs     map[uuid.UUID]*Document
	children map[uuid.UUID]map[uuid.UUID]struct{} // parent -> live children
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		docs:     make(map[uuid.UUID]*Document),
		children: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Len returns the number of documents including deleted ones.
func (c *Catalog) Len() int { return len(c.docs) }

// Get returns the document with id. The returned pointer is owned by the
// catalog and must not be modified outside of Put.
func (c *Catalog) Get(id uuid.UUID) (*Document, bool) {
	d, ok := c.docs[id]
	return d, ok
}

// Put inserts or replaces d and keeps the children index current.
func (c *Catalog) Put(d *Document) {
	if old, ok := c.docs[d.ID]; ok {
		c.unlink(old)
	}
	c.docs[d.ID] = d
	if !d.Deleted {
		set, ok := c.children[d.Parent]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			c.children[d.Parent] = set
		}
		set[d.ID] = struct{}{}
	}
}

// Remove drops d from the catalog entirely. Used by compaction only.
func (c *Catalog) Remove(id uuid.UUID) {
	if d, ok := c.docs[id]; ok {
		c.unlink(d)
		delete(c.docs, id)
	}
}

func (c *Catalog) unlink(d *Document) {
	if set, ok := c.children[d.Parent]; ok {
		delete(set, d.ID)
		if len(set) == 0 {
			delete(c.children, d.Parent)
		}
	}
}

// Children returns the live children of parent sorted by name, then id.
func (c *Catalog) Children(parent uuid.UUID) []*Document {
	set := c.children[parent]
	out := make([]*Document, 0, len(set))
	for id := range set {
		out = append(out, c.docs[id])
	}
	slices.SortFunc(out, func(a, b *Document) int {
		if r := strings.Compare(a.Name, b.Name); r != 0 {
			return r
		}
		return compareIDs(a.ID, b.ID)
	})
	return out
}

// All returns every document sorted by id.
func (c *Catalog) All() []*Document {
	ids := slices.SortedFunc(maps.Keys(c.docs), compareIDs)
	out := make([]*Document, len(ids))
	for i, id := range ids {
		out[i] = c.docs[id]
	}
	return out
}

func compareIDs(a, b uuid.UUID) int {
	return strings.Compare(string(a[:]), string(b[:]))
}

// Ancestors returns the chain of parent ids of id, nearest first, not
// including id itself or the root. The walk stops at the first parent that
// is not in this catalog.
func (c *Catalog) Ancestors(id uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	seen := map[uuid.UUID]struct{}{id: {}}
	d, ok := c.docs[id]
	for ok && d.Parent != uuid.Nil {
		if _, loop := seen[d.Parent]; loop {
			break
		}
		seen[d.Parent] = struct{}{}
		out = append(out, d.Parent)
		d, ok = c.docs[d.Parent]
	}
	return out
}

// IsAncestor reports whether anc is id itself or one of its ancestors.
func (c *Catalog) IsAncestor(anc, id uuid.UUID) bool {
	if anc == id {
		return true
	}
	return slices.Contains(c.Ancestors(id), anc)
}

// Subtree returns root and every live descendant of root, in breadth first
// order with siblings sorted by name.
func (c *Catalog) Subtree(root uuid.UUID) []*Document {
	d, ok := c.docs[root]
	if !ok {
		return nil
	}
	out := []*Document{d}
	for i := 0; i < len(out); i++ {
		if out[i].Type == TypeFolder {
			out = append(out, c.Children(out[i].ID)...)
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Structural checks
// --------------------------------------------------------------------------

// ValidateParent checks that parent can hold a new child: it is the root or
// a live folder of this catalog.
func (c *Catalog) ValidateParent(parent uuid.UUID) error {
	if parent == uuid.Nil {
		return nil
	}
	p, ok := c.docs[parent]
	if !ok || p.Deleted {
		return errs.Newf(errs.CodeNotFound, "parent folder %s", parent)
	}
	if p.Type != TypeFolder {
		return errs.Newf(errs.CodeInvalidOperation, "parent %s is a %s, not a folder", parent, p.Type)
	}
	if !p.IsPrimary() {
		return errs.Newf(errs.CodeNotPrimary, "parent %s is a secondary copy", parent)
	}
	return nil
}

// ValidateMove checks that id can be moved under dest without breaking the
// tree. Moving into itself or one of its descendants is a cycle.
func (c *Catalog) ValidateMove(id, dest uuid.UUID) error {
	d, ok := c.docs[id]
	if !ok || d.Deleted {
		return errs.Newf(errs.CodeNotFound, "document %s", id)
	}
	if d.Type == TypeIndexGuide {
		return errs.New(errs.CodeInvalidOperation, "index guides cannot be moved")
	}
	if dest != uuid.Nil && c.IsAncestor(id, dest) {
		return errs.Newf(errs.CodeCycleDetected, "moving %s under %s would create a cycle", id, dest)
	}
	return c.ValidateParent(dest)
}

// --------------------------------------------------------------------------
// Access control
// --------------------------------------------------------------------------

// CheckAccess decides whether principal, acting through agent, may access
// document id at level required.
//
//  1. If an agent scope is configured for (principal, agent), the document
//     or one of its ancestors must be in the scope. Otherwise deny, even for
//     the owner.
//  2. The owner is allowed.
//  3. An ACL entry at the required level or above allows.
//  4. Everything else is denied.
//
// An unknown document is denied. scopes may be nil.
func (c *Catalog) CheckAccess(principal, agent string, id uuid.UUID, required Level, scopes *Scopes) bool {
	d, ok := c.docs[id]
	if !ok {
		return false
	}
	if !c.InScope(principal, agent, id, scopes) {
		return false
	}
	return d.LevelFor(principal).Covers(required)
}

// InScope reports whether the agent scope of (principal, agent), if any,
// covers document id.
func (c *Catalog) InScope(principal, agent string, id uuid.UUID, scopes *Scopes) bool {
	if agent == "" || scopes == nil {
		return true
	}
	allowed, restricted := scopes.Allowed(principal, agent)
	if !restricted {
		return true
	}
	if _, ok := allowed[id]; ok {
		return true
	}
	for _, anc := range c.Ancestors(id) {
		if _, ok := allowed[anc]; ok {
			return true
		}
	}
	return false
}

// CheckMove applies the permission rule for moves: the actor needs write on
// the document and write on the destination folder. Moving to the root is
// reserved to the owner.
func (c *Catalog) CheckMove(principal, agent string, id, dest uuid.UUID, scopes *Scopes) bool {
	d, ok := c.docs[id]
	if !ok || !c.CheckAccess(principal, agent, id, LevelWrite, scopes) {
		return false
	}
	if dest == uuid.Nil {
		return principal == d.Owner
	}
	return c.CheckAccess(principal, agent, dest, LevelWrite, scopes)
}

// --------------------------------------------------------------------------
// Snapshot
// --------------------------------------------------------------------------

// Snapshot returns copies of all documents sorted by id.
func (c *Catalog) Snapshot() []Document {
	all := c.All()
	out := make([]Document, len(all))
	for i, d := range all {
		out[i] = *d.Clone()
	}
	return out
}

// Restore builds a catalog from a snapshot.
func Restore(docs []Document) *Catalog {
	c := New()
	for i := range docs {
		c.Put(docs[i].Clone())
	}
	return c
}
