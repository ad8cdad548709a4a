package shard

import (
	"errors"

	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/crdt"
	"github.com/ValentinKolb/ctxhub/lib/errs"
)

// errNoop is returned by Prepare for operations that would not change the
// state. They are acknowledged without being logged.
var errNoop = errors.New("operation changes nothing")

// Prepare validates op against the current state and brings it into its
// logged form: text intents are turned into CRDT ops and known ops are
// dropped. Prepare never modifies s.
//
// Structural and ACL checks only depend on s, so they give the same answer
// on every replica. Agent scopes are passed by the proposer and may be nil.
func (s *State) Prepare(op *Op, scopes *catalog.Scopes) error {
	if !op.Actor.System && op.Actor.Principal == "" {
		return errs.New(errs.CodeAccessDenied, "anonymous actor")
	}
	if op.Doc == uuid.Nil {
		return errs.New(errs.CodeInvalidOperation, "missing document id")
	}

	switch op.Kind {
	case OpCreate:
		return s.prepareCreate(op, scopes)
	case OpEdit:
		return s.prepareEdit(op, scopes)
	case OpMove:
		return s.prepareMove(op, scopes)
	case OpRename:
		return s.prepareRename(op, scopes)
	case OpDelete:
		return s.prepareDelete(op, scopes)
	case OpGrant, OpRevoke:
		return s.prepareACL(op, scopes)
	case OpReplicaSync:
		return s.prepareReplicaSync(op)
	case OpShareComplete:
		return s.prepareShareComplete(op)
	case OpPurge:
		return s.preparePurge(op)
	default:
		return errs.Newf(errs.CodeInvalidOperation, "unknown operation kind %d", op.Kind)
	}
}

func (s *State) allowed(a Actor, id uuid.UUID, level catalog.Level, scopes *catalog.Scopes) bool {
	if a.System {
		return true
	}
	return s.Catalog.CheckAccess(a.Principal, a.Agent, id, level, scopes)
}

// lookup resolves id for actor a. Documents the actor cannot see are
// reported as access denied whether they exist or not.
func (s *State) lookup(a Actor, id uuid.UUID, level catalog.Level, scopes *catalog.Scopes) (*catalog.Document, error) {
	d, ok := s.Catalog.Get(id)
	if !ok {
		if a.System {
			return nil, errs.Newf(errs.CodeNotFound, "document %s", id)
		}
		return nil, errs.Newf(errs.CodeAccessDenied, "document %s", id)
	}
	if !s.allowed(a, id, level, scopes) {
		return nil, errs.Newf(errs.CodeAccessDenied, "%s access to %s", level, id)
	}
	if d.Deleted {
		return nil, errs.Newf(errs.CodeNotFound, "document %s is deleted", id)
	}
	return d, nil
}

func (s *State) prepareCreate(op *Op, scopes *catalog.Scopes) error {
	if _, exists := s.Catalog.Get(op.Doc); exists {
		return errs.Newf(errs.CodeInvalidOperation, "document %s already exists", op.Doc)
	}
	if !op.Type.Valid() {
		return errs.Newf(errs.CodeInvalidOperation, "unknown document type %d", op.Type)
	}
	if op.Name == "" {
		return errs.New(errs.CodeInvalidOperation, "document name is empty")
	}

	if op.Parent != uuid.Nil && !s.allowed(op.Actor, op.Parent, catalog.LevelWrite, scopes) {
		return errs.Newf(errs.CodeAccessDenied, "write access to folder %s", op.Parent)
	}
	if op.Parent == uuid.Nil && !op.Actor.System && !s.Catalog.InScope(op.Actor.Principal, op.Actor.Agent, op.Parent, scopes) {
		return errs.New(errs.CodeAccessDenied, "agent scope does not include the root")
	}
	if err := s.Catalog.ValidateParent(op.Parent); err != nil {
		return err
	}

	switch op.Type {
	case catalog.TypeFolder:
		if (op.Text != nil && *op.Text != "") || len(op.Ops) > 0 {
			return errs.New(errs.CodeInvalidOperation, "folders have no content")
		}
		op.Text = nil
		return nil
	case catalog.TypeIndexGuide:
		if !op.Actor.System {
			return errs.New(errs.CodeInvalidOperation, "index guides are generated by the hub")
		}
		f, _ := s.Catalog.Get(op.Parent)
		if f == nil {
			return errs.New(errs.CodeInvalidOperation, "index guides need a folder")
		}
		if f.Guide != uuid.Nil {
			return errs.Newf(errs.CodeInvalidOperation, "folder %s already has an index guide", f.ID)
		}
	case catalog.TypeText:
	}

	if op.Text != nil {
		ops, err := crdt.New().Diff(s.Replica(), *op.Text)
		if err != nil {
			return err
		}
		op.Ops, op.Text = ops, nil
	}
	_, err := crdt.New().Validate(op.Ops)
	return err
}

func (s *State) prepareEdit(op *Op, scopes *catalog.Scopes) error {
	d, err := s.lookup(op.Actor, op.Doc, catalog.LevelWrite, scopes)
	if err != nil {
		return err
	}
	if !d.IsPrimary() {
		return errs.Newf(errs.CodeNotPrimary, "document %s is a copy of shard %d", d.ID, d.Replica.PrimaryShard)
	}
	switch d.Type {
	case catalog.TypeFolder:
		return errs.New(errs.CodeInvalidOperation, "folders have no content")
	case catalog.TypeIndexGuide:
		if !op.Actor.System {
			return errs.New(errs.CodeInvalidOperation, "index guides are generated by the hub")
		}
	case catalog.TypeText:
	default:
		return errs.Newf(errs.CodeCorruption, "document %s has unknown type %d", d.ID, d.Type)
	}

	c := s.Content[op.Doc]
	if op.Text != nil {
		ops, err := c.Diff(s.Replica(), *op.Text)
		if err != nil {
			return err
		}
		op.Ops, op.Text = ops, nil
	}
	fresh, err := c.Validate(op.Ops)
	if err != nil {
		return err
	}
	if len(fresh) == 0 && op.GuideSource == 0 {
		return errNoop
	}
	op.Ops = fresh
	return nil
}

func (s *State) prepareMove(op *Op, scopes *catalog.Scopes) error {
	d, err := s.lookup(op.Actor, op.Doc, catalog.LevelWrite, scopes)
	if err != nil {
		return err
	}
	if !d.IsPrimary() {
		return errs.Newf(errs.CodeNotPrimary, "document %s is a copy", d.ID)
	}
	if !op.Actor.System && !s.Catalog.CheckMove(op.Actor.Principal, op.Actor.Agent, op.Doc, op.Parent, scopes) {
		if op.Parent == uuid.Nil {
			return errs.New(errs.CodeAccessDenied, "only the owner can move a document to the root")
		}
		return errs.Newf(errs.CodeAccessDenied, "write access to folder %s", op.Parent)
	}
	if err := s.Catalog.ValidateMove(op.Doc, op.Parent); err != nil {
		return err
	}
	if d.Parent == op.Parent {
		return errNoop
	}
	return nil
}

func (s *State) prepareRename(op *Op, scopes *catalog.Scopes) error {
	d, err := s.lookup(op.Actor, op.Doc, catalog.LevelWrite, scopes)
	if err != nil {
		return err
	}
	if !d.IsPrimary() {
		return errs.Newf(errs.CodeNotPrimary, "document %s is a copy", d.ID)
	}
	if d.Type == catalog.TypeIndexGuide {
		return errs.New(errs.CodeInvalidOperation, "index guides cannot be renamed")
	}
	if op.Name == "" {
		return errs.New(errs.CodeInvalidOperation, "document name is empty")
	}
	if op.Name == d.Name {
		return errNoop
	}
	return nil
}

func (s *State) prepareDelete(op *Op, scopes *catalog.Scopes) error {
	d, err := s.lookup(op.Actor, op.Doc, catalog.LevelWrite, scopes)
	if err != nil {
		return err
	}
	if !d.IsPrimary() {
		return errs.Newf(errs.CodeNotPrimary, "document %s is a copy", d.ID)
	}
	if d.Type == catalog.TypeIndexGuide && !op.Actor.System {
		return errs.New(errs.CodeInvalidOperation, "index guides are deleted with their folder")
	}
	return nil
}

func (s *State) prepareACL(op *Op, scopes *catalog.Scopes) error {
	d, err := s.lookup(op.Actor, op.Doc, catalog.LevelRead, scopes)
	if err != nil {
		return err
	}
	if !op.Actor.System && op.Actor.Principal != d.Owner {
		return errs.Newf(errs.CodeAccessDenied, "only the owner can change access to %s", d.ID)
	}
	if !d.IsPrimary() {
		return errs.Newf(errs.CodeNotPrimary, "document %s is a copy", d.ID)
	}
	if op.Principal == "" {
		return errs.New(errs.CodeInvalidOperation, "missing principal")
	}
	if op.Principal == d.Owner {
		return errs.New(errs.CodeInvalidOperation, "the owner always has write access")
	}

	current := d.LevelFor(op.Principal)
	if op.Kind == OpRevoke {
		if current == catalog.LevelNone {
			return errNoop
		}
		return nil
	}
	if op.Level != catalog.LevelRead && op.Level != catalog.LevelWrite {
		return errs.Newf(errs.CodeInvalidOperation, "cannot grant level %s", op.Level)
	}
	if current == op.Level {
		return errNoop
	}
	return nil
}

func (s *State) prepareReplicaSync(op *Op) error {
	if !op.Actor.System {
		return errs.New(errs.CodeAccessDenied, "replica sync is internal")
	}
	if op.Meta == nil || op.Meta.ID != op.Doc || op.Meta.Replica == nil {
		return errs.New(errs.CodeInvalidOperation, "replica sync needs the primary metadata")
	}
	if op.Meta.Replica.PrimaryShard == s.Shard {
		return errs.New(errs.CodeInvalidOperation, "replica sync from this shard")
	}

	c := crdt.New()
	if d, ok := s.Catalog.Get(op.Doc); ok {
		if d.IsPrimary() {
			return errs.Newf(errs.CodeInvalidOperation, "document %s is primary on shard %d", d.ID, s.Shard)
		}
		if op.Meta.Version <= d.Replica.SyncedVersion {
			return errNoop
		}
		if existing, ok := s.Content[op.Doc]; ok {
			c = existing
		}
	}
	if op.Meta.Type == catalog.TypeFolder {
		op.Ops = nil
		return nil
	}
	fresh, err := c.Validate(op.Ops)
	if err != nil {
		return err
	}
	op.Ops = fresh
	return nil
}

func (s *State) prepareShareComplete(op *Op) error {
	if !op.Actor.System {
		return errs.New(errs.CodeAccessDenied, "share completion is internal")
	}
	if _, ok := s.Catalog.Get(op.Doc); !ok {
		return errs.Newf(errs.CodeNotFound, "document %s", op.Doc)
	}
	if s.Placements[op.Doc][op.Target] >= op.SyncedVersion {
		return errNoop
	}
	return nil
}

func (s *State) preparePurge(op *Op) error {
	if !op.Actor.System {
		return errs.New(errs.CodeAccessDenied, "purge is internal")
	}
	if len(op.Purge) == 0 {
		return errNoop
	}
	for _, id := range op.Purge {
		d, ok := s.Catalog.Get(id)
		if !ok || !d.Deleted {
			return errs.Newf(errs.CodeInvalidOperation, "document %s is not deleted", id)
		}
	}
	return nil
}

// Purgeable returns the deleted documents whose deletion is older than ts,
// sorted by id.
func (s *State) Purgeable(ts int64) []uuid.UUID {
	var out []uuid.UUID
	for _, d := range s.Catalog.All() {
		if d.Deleted && d.DeletedAt < ts {
			out = append(out, d.ID)
		}
	}
	return out
}
