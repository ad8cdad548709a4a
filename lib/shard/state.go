package shard

import (
	"maps"
	"slices"
	"strconv"

	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/crdt"
	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/util"
)

// State is the materialized state of a shard: the catalog, the CRDT content
// of every text and index guide document and the cross-shard placements
// that were confirmed as synced.
//
// State is a deterministic function of the WAL: applying the same records
// to the same starting state always yields the same state, and
// EncodeState of two equal states yields identical bytes.
//
// Thread-safety: State is not safe for concurrent use.
type State struct {
	Shard   uint64
	Seq     uint64 // last applied WAL sequence
	TS      int64  // timestamp of the last applied record
	Applied uint64 // highest raft index among the applied records
	Catalog *catalog.Catalog
	Content map[uuid.UUID]*crdt.Doc
	// doc -> target shard -> primary version the target has caught up to
	Placements map[uuid.UUID]map[uint64]uint64

	sizes *util.SizeHistogram
}

// NewState creates the empty state of shard.
func NewState(shard uint64) *State {
	return &State{
		Shard:      shard,
		Catalog:    catalog.New(),
		Content:    make(map[uuid.UUID]*crdt.Doc),
		Placements: make(map[uuid.UUID]map[uint64]uint64),
		sizes:      util.NewSizeHistogram(),
	}
}

// Replica is the CRDT replica name used for edits made on this shard.
func (s *State) Replica() string {
	return "s" + strconv.FormatUint(s.Shard, 10)
}

// Sizes returns the content size distribution.
func (s *State) Sizes() util.SizeStats {
	return s.sizes.Stats()
}

// Text returns the current content of id, "" for folders.
func (s *State) Text(id uuid.UUID) string {
	if d, ok := s.Content[id]; ok {
		return d.Text()
	}
	return ""
}

// --------------------------------------------------------------------------
// Apply
// --------------------------------------------------------------------------

// Apply integrates a prepared operation logged at seq with timestamp ts.
// Errors mean the operation cannot be applied to this state, which for a
// logged record is corruption.
func (s *State) Apply(seq uint64, ts int64, op *Op) (Change, Result, error) {
	if seq != s.Seq+1 {
		return Change{}, Result{}, errs.Newf(errs.CodeCorruption,
			"shard %d: record %d applied after %d", s.Shard, seq, s.Seq)
	}

	ch := Change{Shard: s.Shard, Seq: seq, TS: ts, Doc: op.Doc, Kind: op.Kind, Actor: op.Actor}
	res := Result{Seq: seq, TS: ts, Doc: op.Doc}

	var err error
	switch op.Kind {
	case OpCreate:
		err = s.applyCreate(seq, ts, op, &ch, &res)
	case OpEdit:
		err = s.applyEdit(seq, ts, op, &ch, &res)
	case OpMove:
		err = s.applyMove(seq, ts, op, &ch, &res)
	case OpRename:
		err = s.applyRename(seq, ts, op, &ch, &res)
	case OpDelete:
		err = s.applyDelete(seq, ts, op, &ch, &res)
	case OpGrant, OpRevoke:
		err = s.applyACL(seq, ts, op, &ch, &res)
	case OpReplicaSync:
		err = s.applyReplicaSync(seq, ts, op, &ch, &res)
	case OpShareComplete:
		err = s.applyShareComplete(op, &ch)
	case OpPurge:
		s.applyPurge(op, &ch)
	default:
		err = errs.Newf(errs.CodeCorruption, "unknown op kind %d", op.Kind)
	}
	if err != nil {
		return Change{}, Result{}, err
	}

	s.Seq = seq
	s.TS = ts
	s.Applied = max(s.Applied, op.Index)
	return ch, res, nil
}

func (s *State) doc(id uuid.UUID) (*catalog.Document, error) {
	d, ok := s.Catalog.Get(id)
	if !ok {
		return nil, errs.Newf(errs.CodeCorruption, "shard %d: op on unknown document %s", s.Shard, id)
	}
	return d, nil
}

// touchFolder records a material change of folder's children.
func (s *State) touchFolder(folder uuid.UUID, seq uint64) {
	if folder == uuid.Nil {
		return
	}
	if f, ok := s.Catalog.Get(folder); ok && f.Type == catalog.TypeFolder {
		f.ChildrenVersion = seq
	}
}

func (s *State) applyCreate(seq uint64, ts int64, op *Op, ch *Change, res *Result) error {
	owner := op.Actor.Principal
	if op.Type == catalog.TypeIndexGuide {
		f, err := s.doc(op.Parent)
		if err != nil {
			return err
		}
		owner = f.Owner
		f.Guide = op.Doc
	} else {
		s.touchFolder(op.Parent, seq)
	}

	d := &catalog.Document{
		ID:          op.Doc,
		Owner:       owner,
		Name:        op.Name,
		Parent:      op.Parent,
		Type:        op.Type,
		Version:     seq,
		CreatedAt:   ts,
		UpdatedAt:   ts,
		GuideSource: op.GuideSource,
	}
	if op.Type != catalog.TypeFolder {
		c := crdt.New()
		if _, err := c.Apply(op.Ops, seq); err != nil {
			return errs.Wrap(errs.CodeCorruption, err, "create content")
		}
		s.Content[op.Doc] = c
		d.Size = c.Size()
		s.sizes.Add(d.Size)
	}
	s.Catalog.Put(d)

	ch.Name, ch.Parent, ch.Type, ch.Ops = op.Name, op.Parent, op.Type, op.Ops
	res.Version = seq
	res.Applied = len(op.Ops)
	return nil
}

func (s *State) applyEdit(seq uint64, ts int64, op *Op, ch *Change, res *Result) error {
	d, err := s.doc(op.Doc)
	if err != nil {
		return err
	}
	c, ok := s.Content[op.Doc]
	if !ok {
		return errs.Newf(errs.CodeCorruption, "edit of %s without content", op.Doc)
	}
	fresh, err := c.Apply(op.Ops, seq)
	if err != nil {
		return errs.Wrap(errs.CodeCorruption, err, "edit content")
	}
	s.sizes.Replace(d.Size, c.Size())
	d.Size = c.Size()
	d.Version = seq
	d.UpdatedAt = ts
	if op.GuideSource != 0 {
		d.GuideSource = op.GuideSource
	}

	ch.Name, ch.Parent, ch.Type, ch.Ops = d.Name, d.Parent, d.Type, fresh
	res.Version = seq
	res.Applied = len(fresh)
	return nil
}

func (s *State) applyMove(seq uint64, ts int64, op *Op, ch *Change, res *Result) error {
	old, err := s.doc(op.Doc)
	if err != nil {
		return err
	}
	d := old.Clone()
	s.touchFolder(d.Parent, seq)
	d.Parent = op.Parent
	d.Version = seq
	d.UpdatedAt = ts
	s.Catalog.Put(d)
	s.touchFolder(d.Parent, seq)

	ch.Name, ch.Parent, ch.Type = d.Name, d.Parent, d.Type
	res.Version = seq
	return nil
}

func (s *State) applyRename(seq uint64, ts int64, op *Op, ch *Change, res *Result) error {
	d, err := s.doc(op.Doc)
	if err != nil {
		return err
	}
	d.Name = op.Name
	d.Version = seq
	d.UpdatedAt = ts
	s.touchFolder(d.Parent, seq)

	ch.Name, ch.Parent, ch.Type = d.Name, d.Parent, d.Type
	res.Version = seq
	return nil
}

func (s *State) applyDelete(seq uint64, ts int64, op *Op, ch *Change, res *Result) error {
	root, err := s.doc(op.Doc)
	if err != nil {
		return err
	}
	s.touchFolder(root.Parent, seq)
	for _, old := range s.Catalog.Subtree(op.Doc) {
		d := old.Clone()
		d.Deleted = true
		d.DeletedAt = ts
		d.Version = seq
		d.UpdatedAt = ts
		s.Catalog.Put(d)
		ch.Deleted = append(ch.Deleted, d.ID)
	}

	ch.Name, ch.Parent, ch.Type = root.Name, root.Parent, root.Type
	res.Version = seq
	return nil
}

func (s *State) applyACL(seq uint64, ts int64, op *Op, ch *Change, res *Result) error {
	d, err := s.doc(op.Doc)
	if err != nil {
		return err
	}
	if op.Kind == OpGrant {
		d.SetACL(catalog.ACLEntry{Principal: op.Principal, Level: op.Level, GrantedBy: op.Actor.Principal, GrantedAt: ts})
	} else {
		d.RemoveACL(op.Principal)
	}
	d.Version = seq
	d.UpdatedAt = ts

	ch.Name, ch.Parent, ch.Type = d.Name, d.Parent, d.Type
	res.Version = seq
	return nil
}

func (s *State) applyReplicaSync(seq uint64, ts int64, op *Op, ch *Change, res *Result) error {
	if op.Meta == nil || op.Meta.Replica == nil {
		return errs.New(errs.CodeCorruption, "replica sync without metadata")
	}

	var d *catalog.Document
	if old, ok := s.Catalog.Get(op.Doc); ok {
		d = old.Clone()
	} else {
		d = &catalog.Document{ID: op.Doc, CreatedAt: ts}
	}
	d.Owner = op.Meta.Owner
	d.Name = op.Meta.Name
	d.Type = op.Meta.Type
	d.ACL = slices.Clone(op.Meta.ACL)
	d.Deleted = op.Meta.Deleted
	d.DeletedAt = op.Meta.DeletedAt
	d.Replica = &catalog.ReplicaInfo{PrimaryShard: op.Meta.Replica.PrimaryShard, SyncedVersion: op.Meta.Version}
	d.Version = seq
	d.UpdatedAt = ts

	var fresh []crdt.Op
	if d.Type != catalog.TypeFolder {
		c, ok := s.Content[op.Doc]
		if !ok {
			c = crdt.New()
			s.Content[op.Doc] = c
			s.sizes.Add(0)
		}
		var err error
		if fresh, err = c.Apply(op.Ops, seq); err != nil {
			return errs.Wrap(errs.CodeCorruption, err, "replica content")
		}
		s.sizes.Replace(d.Size, c.Size())
		d.Size = c.Size()
	}
	s.Catalog.Put(d)

	ch.Name, ch.Parent, ch.Type, ch.Ops = d.Name, d.Parent, d.Type, fresh
	res.Version = seq
	res.Applied = len(fresh)
	return nil
}

func (s *State) applyShareComplete(op *Op, ch *Change) error {
	if _, err := s.doc(op.Doc); err != nil {
		return err
	}
	targets, ok := s.Placements[op.Doc]
	if !ok {
		targets = make(map[uint64]uint64)
		s.Placements[op.Doc] = targets
	}
	targets[op.Target] = max(targets[op.Target], op.SyncedVersion)
	ch.Type = catalog.TypeText
	if d, ok := s.Catalog.Get(op.Doc); ok {
		ch.Name, ch.Parent, ch.Type = d.Name, d.Parent, d.Type
	}
	return nil
}

func (s *State) applyPurge(op *Op, ch *Change) {
	for _, id := range op.Purge {
		if d, ok := s.Catalog.Get(id); ok {
			if _, hasContent := s.Content[id]; hasContent {
				s.sizes.Remove(d.Size)
			}
		}
		s.Catalog.Remove(id)
		delete(s.Content, id)
		delete(s.Placements, id)
	}
	ch.Purged = slices.Clone(op.Purge)
}

// --------------------------------------------------------------------------
// Snapshot
// --------------------------------------------------------------------------

const snapshotFormat = 1

type contentSnapshot struct {
	ID   uuid.UUID     `cbor:"1,keyasint"`
	CRDT crdt.Snapshot `cbor:"2,keyasint"`
}

type placementSnapshot struct {
	Doc    uuid.UUID `cbor:"1,keyasint"`
	Target uint64    `cbor:"2,keyasint"`
	Synced uint64    `cbor:"3,keyasint"`
}

type stateSnapshot struct {
	Format     uint8               `cbor:"1,keyasint"`
	Shard      uint64              `cbor:"2,keyasint"`
	Seq        uint64              `cbor:"3,keyasint"`
	TS         int64               `cbor:"4,keyasint"`
	Docs       []catalog.Document  `cbor:"5,keyasint"`
	Content    []contentSnapshot   `cbor:"6,keyasint"`
	Placements []placementSnapshot `cbor:"7,keyasint"`
	Applied    uint64              `cbor:"8,keyasint,omitempty"`
}

func compareUUID(a, b uuid.UUID) int {
	return slices.Compare(a[:], b[:])
}

// EncodeState serializes s. Equal states encode to identical bytes.
func EncodeState(s *State) ([]byte, error) {
	snap := stateSnapshot{
		Format:  snapshotFormat,
		Shard:   s.Shard,
		Seq:     s.Seq,
		TS:      s.TS,
		Applied: s.Applied,
		Docs:    s.Catalog.Snapshot(),
	}
	for _, id := range slices.SortedFunc(maps.Keys(s.Content), compareUUID) {
		snap.Content = append(snap.Content, contentSnapshot{ID: id, CRDT: s.Content[id].Snapshot()})
	}
	for _, id := range slices.SortedFunc(maps.Keys(s.Placements), compareUUID) {
		targets := s.Placements[id]
		for _, t := range slices.Sorted(maps.Keys(targets)) {
			snap.Placements = append(snap.Placements, placementSnapshot{Doc: id, Target: t, Synced: targets[t]})
		}
	}
	b, err := opEnc.Marshal(snap)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, err, "encode state")
	}
	return b, nil
}

// DecodeState restores a state encoded with EncodeState.
func DecodeState(b []byte) (*State, error) {
	var snap stateSnapshot
	if err := opDec.Unmarshal(b, &snap); err != nil {
		return nil, errs.Wrap(errs.CodeCorruption, err, "decode state")
	}
	if snap.Format != snapshotFormat {
		return nil, errs.Newf(errs.CodeCorruption, "unknown snapshot format %d", snap.Format)
	}

	s := NewState(snap.Shard)
	s.Seq, s.TS, s.Applied = snap.Seq, snap.TS, snap.Applied
	s.Catalog = catalog.Restore(snap.Docs)
	for _, cs := range snap.Content {
		c := crdt.Restore(cs.CRDT)
		s.Content[cs.ID] = c
		s.sizes.Add(c.Size())
	}
	for _, p := range snap.Placements {
		targets, ok := s.Placements[p.Doc]
		if !ok {
			targets = make(map[uint64]uint64)
			s.Placements[p.Doc] = targets
		}
		targets[p.Target] = p.Synced
	}
	return s, nil
}

