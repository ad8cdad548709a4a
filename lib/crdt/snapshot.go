package crdt

import (
	"cmp"
	"slices"
)

// SnapElement is an element of a Snapshot.
type SnapElement struct {
	ID        OpID   `cbor:"1,keyasint"`
	Ref       OpID   `cbor:"2,keyasint"`
	Value     rune   `cbor:"3,keyasint"`
	AddedAt   uint64 `cbor:"4,keyasint"`
	DeletedAt uint64 `cbor:"5,keyasint,omitempty"`
}

// SnapDelete is a delete op of a Snapshot.
type SnapDelete struct {
	ID      OpID   `cbor:"1,keyasint"`
	Ref     OpID   `cbor:"2,keyasint"`
	Version uint64 `cbor:"3,keyasint"`
}

// Snapshot is the persisted form of a Doc including version annotations.
// Elements are stored in document order, so restoring does not re-run the
// integration algorithm. Deletes are sorted by id.
type Snapshot struct {
	Elements []SnapElement `cbor:"1,keyasint"`
	Deletes  []SnapDelete  `cbor:"2,keyasint"`
}

// Snapshot captures the document. The result is deterministic for a given
// document history.
func (d *Doc) Snapshot() Snapshot {
	s := Snapshot{
		Elements: make([]SnapElement, len(d.order)),
		Deletes:  make([]SnapDelete, 0, len(d.deletes)),
	}
	for i, idx := range d.order {
		e := d.arena[idx]
		s.Elements[i] = SnapElement{ID: e.id, Ref: e.ref, Value: e.value, AddedAt: e.addedAt, DeletedAt: e.deletedAt}
	}
	for _, le := range d.log {
		if le.op.Kind == OpDelete {
			s.Deletes = append(s.Deletes, SnapDelete{ID: le.op.ID, Ref: le.op.Ref, Version: le.version})
		}
	}
	slices.SortFunc(s.Deletes, func(a, b SnapDelete) int { return a.ID.Compare(b.ID) })
	return s
}

// Restore rebuilds a document from a snapshot. The operation log is rebuilt
// ordered by (version, id), which is the order Apply integrates in.
func Restore(s Snapshot) *Doc {
	d := &Doc{
		arena:   make([]element, len(s.Elements)),
		index:   make(map[OpID]int32, len(s.Elements)),
		deletes: make(map[OpID]OpID, len(s.Deletes)),
		order:   make([]int32, len(s.Elements)),
		log:     make([]logEntry, 0, len(s.Elements)+len(s.Deletes)),
	}
	for i, se := range s.Elements {
		d.arena[i] = element{id: se.ID, ref: se.Ref, value: se.Value, addedAt: se.AddedAt, deletedAt: se.DeletedAt}
		d.index[se.ID] = int32(i)
		d.order[i] = int32(i)
		d.log = append(d.log, logEntry{op: Op{Kind: OpInsert, ID: se.ID, Ref: se.Ref, Value: se.Value}, version: se.AddedAt})
	}
	for _, sd := range s.Deletes {
		d.deletes[sd.ID] = sd.Ref
		d.log = append(d.log, logEntry{op: Op{Kind: OpDelete, ID: sd.ID, Ref: sd.Ref}, version: sd.Version})
	}
	slices.SortFunc(d.log, func(a, b logEntry) int {
		if c := cmp.Compare(a.version, b.version); c != 0 {
			return c
		}
		return a.op.ID.Compare(b.op.ID)
	})
	for _, le := range d.log {
		d.clock = max(d.clock, le.op.ID.Clock)
		d.version = max(d.version, le.version)
	}
	d.refresh()
	return d
}
