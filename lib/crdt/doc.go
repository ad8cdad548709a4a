package crdt

import (
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/ValentinKolb/ctxhub/lib/errs"
)

// --------------------------------------------------------------------------
// Arena
// --------------------------------------------------------------------------

// element is one character of the sequence. Elements are never removed from
// the arena, deletion only sets deletedAt.
type element struct {
	id        OpID
	ref       OpID // insert anchor
	value     rune
	addedAt   uint64 // document version that integrated the insert
	deletedAt uint64 // document version of the first delete, 0 if live
}

// logEntry is one integrated operation in integration order.
type logEntry struct {
	op      Op
	version uint64
}

// Doc is a replicated text document implemented as an RGA (replicated
// growable array) over runes.
//
// Elements live in an append-only arena and are addressed by index. The
// sequence order is a slice of arena indices. Every integrated operation is
// kept in the log together with the local document version that introduced
// it, which makes any historical version materializable with ViewAt.
//
// Thread-safety: Doc is not safe for concurrent use. Callers serialize
// writers and readers externally.
type Doc struct {
	arena   []element
	index   map[OpID]int32 // insert id -> arena index
	deletes map[OpID]OpID  // delete id -> target id
	order   []int32        // arena indices in document order
	log     []logEntry
	clock   uint64
	version uint64
	text    string
	size    int
}

// New creates an empty document.
func New() *Doc {
	return &Doc{
		index:   make(map[OpID]int32),
		deletes: make(map[OpID]OpID),
	}
}

// Text returns the current materialized content.
func (d *Doc) Text() string { return d.text }

// Size returns the byte length of the current content.
func (d *Doc) Size() int { return d.size }

// Version returns the document version of the last integrated operation.
func (d *Doc) Version() uint64 { return d.version }

// Clock returns the highest Lamport clock seen.
func (d *Doc) Clock() uint64 { return d.clock }

// MaxClock is the highest Lamport clock an operation may carry. The space
// above it is reserved so local edits can always advance the clock.
const MaxClock = math.MaxUint64 - 1<<32

// Len returns the number of integrated operations.
func (d *Doc) Len() int { return len(d.log) }

// --------------------------------------------------------------------------
// Local edits
// --------------------------------------------------------------------------

// Diff computes the operations that turn the current content into text. The
// document is not modified, the ops must be passed to Apply. The edit is
// expressed as one contiguous replacement between the common prefix and the
// common suffix of old and new content. Diff fails with InvalidOperation if
// the edit would advance the clock past MaxClock.
func (d *Doc) Diff(replica, text string) ([]Op, error) {
	if text == d.text {
		return nil, nil
	}

	visible := d.visible()
	newRunes := []rune(text)

	prefix := 0
	for prefix < len(visible) && prefix < len(newRunes) && d.arena[visible[prefix]].value == newRunes[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(visible)-prefix && suffix < len(newRunes)-prefix &&
		d.arena[visible[len(visible)-1-suffix]].value == newRunes[len(newRunes)-1-suffix] {
		suffix++
	}

	need := uint64(len(visible)-prefix-suffix) + uint64(len(newRunes)-prefix-suffix)
	if d.clock > MaxClock || need > MaxClock-d.clock {
		return nil, errs.Newf(errs.CodeInvalidOperation, "clock %d cannot advance by %d", d.clock, need)
	}

	clock := d.clock
	var ops []Op
	for _, idx := range visible[prefix : len(visible)-suffix] {
		clock++
		ops = append(ops, Op{Kind: OpDelete, ID: OpID{clock, replica}, Ref: d.arena[idx].id})
	}

	var anchor OpID
	if prefix > 0 {
		anchor = d.arena[visible[prefix-1]].id
	}
	for _, r := range newRunes[prefix : len(newRunes)-suffix] {
		clock++
		id := OpID{clock, replica}
		ops = append(ops, Op{Kind: OpInsert, ID: id, Ref: anchor, Value: r})
		anchor = id
	}
	return ops, nil
}

// Create returns a document holding text, integrated at version. It panics
// if text has more runes than MaxClock.
func Create(replica, text string, version uint64) (*Doc, []Op) {
	d := New()
	ops, err := d.Diff(replica, text)
	if err != nil {
		panic(err)
	}
	d.mustApply(ops, version)
	return d, ops
}

// --------------------------------------------------------------------------
// Integration
// --------------------------------------------------------------------------

// Apply validates ops and integrates them at version. Ops already known are
// skipped. Either all ops are integrated or, on error, none. The returned
// slice holds the ops that were new, in integration order.
func (d *Doc) Apply(ops []Op, version uint64) ([]Op, error) {
	fresh, err := d.validate(ops)
	if err != nil {
		return nil, err
	}
	d.integrate(fresh, version)
	return fresh, nil
}

// Merge integrates a remote state at version. See Apply.
func (d *Doc) Merge(remote State, version uint64) ([]Op, error) {
	return d.Apply(remote.Ops, version)
}

// Validate checks ops without integrating them and returns the ops that
// would be new.
func (d *Doc) Validate(ops []Op) ([]Op, error) {
	return d.validate(ops)
}

func (d *Doc) mustApply(ops []Op, version uint64) {
	if _, err := d.Apply(ops, version); err != nil {
		panic(err)
	}
}

// validate checks structural soundness of ops against the current document
// and returns the unknown ones sorted by id.
func (d *Doc) validate(ops []Op) ([]Op, error) {
	incoming := make(map[OpID]Op, len(ops))
	for _, op := range ops {
		if op.ID.Clock == 0 || op.ID.Replica == "" {
			return nil, errs.Newf(errs.CodeInvalidMergeInput, "op with invalid id %s", op.ID)
		}
		if op.ID.Clock > MaxClock {
			return nil, errs.Newf(errs.CodeInvalidMergeInput, "op %s exceeds the clock limit", op.ID)
		}
		switch op.Kind {
		case OpInsert:
			if !utf8.ValidRune(op.Value) {
				return nil, errs.Newf(errs.CodeInvalidMergeInput, "op %s inserts invalid rune", op.ID)
			}
		case OpDelete:
			if op.Ref.IsZero() {
				return nil, errs.Newf(errs.CodeInvalidMergeInput, "delete %s without target", op.ID)
			}
		default:
			return nil, errs.Newf(errs.CodeInvalidMergeInput, "op %s has unknown kind %d", op.ID, op.Kind)
		}
		if prev, ok := incoming[op.ID]; ok && prev != op {
			return nil, errs.Newf(errs.CodeInvalidMergeInput, "conflicting ops with id %s", op.ID)
		}
		incoming[op.ID] = op
	}

	fresh := make([]Op, 0, len(incoming))
	for id, op := range incoming {
		known, ok := d.lookup(id)
		if ok {
			if known != op {
				return nil, errs.Newf(errs.CodeInvalidMergeInput, "op %s conflicts with existing op", id)
			}
			continue
		}
		fresh = append(fresh, op)
	}

	// every reference must resolve to an insert that is either known or part
	// of the batch, and causally precede the referencing op
	for _, op := range fresh {
		if op.Kind == OpInsert && op.Ref.IsZero() {
			continue
		}
		_, known := d.index[op.Ref]
		target, inBatch := incoming[op.Ref]
		if !known && !(inBatch && target.Kind == OpInsert) {
			return nil, errs.Newf(errs.CodeInvalidMergeInput, "op %s references unknown element %s", op.ID, op.Ref)
		}
		if op.Ref.Clock >= op.ID.Clock {
			return nil, errs.Newf(errs.CodeInvalidMergeInput, "op %s does not follow its reference %s", op.ID, op.Ref)
		}
	}

	slices.SortFunc(fresh, func(a, b Op) int { return a.ID.Compare(b.ID) })
	return fresh, nil
}

// lookup returns the integrated op with the given id.
func (d *Doc) lookup(id OpID) (Op, bool) {
	if idx, ok := d.index[id]; ok {
		e := d.arena[idx]
		return Op{Kind: OpInsert, ID: id, Ref: e.ref, Value: e.value}, true
	}
	if target, ok := d.deletes[id]; ok {
		return Op{Kind: OpDelete, ID: id, Ref: target}, true
	}
	return Op{}, false
}

// integrate applies already validated ops in the given order.
//
// Consecutive inserts where each op is anchored at its predecessor land
// directly behind it: every element already following the predecessor has a
// smaller id, or the predecessor would have been placed after it. Such runs
// are spliced into the order with a single insert.
func (d *Doc) integrate(ops []Op, version uint64) {
	if len(ops) == 0 {
		return
	}

	var run []int32
	runPos := 0
	var last OpID
	flush := func() {
		if len(run) > 0 {
			d.order = slices.Insert(d.order, runPos, run...)
			run = run[:0]
		}
	}

	for _, op := range ops {
		switch op.Kind {
		case OpInsert:
			idx := d.alloc(op, version)
			if len(run) == 0 || op.Ref != last {
				flush()
				runPos = d.position(op)
			}
			run = append(run, idx)
			last = op.ID
		case OpDelete:
			d.delete(op, version)
		}
		d.log = append(d.log, logEntry{op: op, version: version})
		d.clock = max(d.clock, op.ID.Clock)
	}
	flush()

	d.version = max(d.version, version)
	d.refresh()
}

// alloc adds the element of an insert op to the arena.
func (d *Doc) alloc(op Op, version uint64) int32 {
	idx := int32(len(d.arena))
	d.arena = append(d.arena, element{id: op.ID, ref: op.Ref, value: op.Value, addedAt: version})
	d.index[op.ID] = idx
	return idx
}

// position returns the order position for a new insert: right after its
// anchor, skipping elements with a higher id (concurrent inserts at the
// same anchor and their descendants).
func (d *Doc) position(op Op) int {
	pos := 0
	if !op.Ref.IsZero() {
		pos = slices.Index(d.order, d.index[op.Ref]) + 1
	}
	for pos < len(d.order) && d.arena[d.order[pos]].id.Compare(op.ID) > 0 {
		pos++
	}
	return pos
}

func (d *Doc) delete(op Op, version uint64) {
	d.deletes[op.ID] = op.Ref
	e := &d.arena[d.index[op.Ref]]
	if e.deletedAt == 0 {
		e.deletedAt = version
	}
}

func (d *Doc) visible() []int32 {
	out := make([]int32, 0, len(d.order))
	for _, idx := range d.order {
		if d.arena[idx].deletedAt == 0 {
			out = append(out, idx)
		}
	}
	return out
}

func (d *Doc) refresh() {
	var sb strings.Builder
	for _, idx := range d.order {
		if e := d.arena[idx]; e.deletedAt == 0 {
			sb.WriteRune(e.value)
		}
	}
	d.text = sb.String()
	d.size = len(d.text)
}

// --------------------------------------------------------------------------
// History
// --------------------------------------------------------------------------

// ViewAt materializes the content as of document version v. Only elements
// inserted at or before v and not deleted at or before v are included.
func (d *Doc) ViewAt(v uint64) string {
	if v >= d.version {
		return d.text
	}
	var sb strings.Builder
	for _, idx := range d.order {
		e := d.arena[idx]
		if e.addedAt <= v && (e.deletedAt == 0 || e.deletedAt > v) {
			sb.WriteRune(e.value)
		}
	}
	return sb.String()
}

// State returns the full operation history for merging into another replica.
func (d *Doc) State() State {
	ops := make([]Op, len(d.log))
	for i, le := range d.log {
		ops[i] = le.op
	}
	return State{Ops: ops}
}

// OpsSince returns the ops integrated at a version greater than v, in
// integration order.
func (d *Doc) OpsSince(v uint64) []Op {
	i, _ := slices.BinarySearchFunc(d.log, v, func(le logEntry, v uint64) int {
		if le.version <= v {
			return -1
		}
		return 1
	})
	ops := make([]Op, 0, len(d.log)-i)
	for _, le := range d.log[i:] {
		ops = append(ops, le.op)
	}
	return ops
}
