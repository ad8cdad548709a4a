package crdt

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/ValentinKolb/ctxhub/lib/errs"
)

func mustDiff(t *testing.T, d *Doc, replica, text string) []Op {
	t.Helper()
	ops, err := d.Diff(replica, text)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	return ops
}

func mustApply(t *testing.T, d *Doc, ops []Op, version uint64) {
	t.Helper()
	if _, err := d.Apply(ops, version); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
}

func TestCreateAndEdit(t *testing.T) {
	d, ops := Create("a", "hello", 1)
	if d.Text() != "hello" {
		t.Fatalf("Text() = %q", d.Text())
	}
	if len(ops) != 5 {
		t.Errorf("Create produced %d ops, want 5", len(ops))
	}

	tests := []struct {
		name string
		text string
	}{
		{"append", "hello world"},
		{"replace middle", "hello there world"},
		{"delete prefix", "there world"},
		{"unicode", "thère wörld ✓"},
		{"clear", ""},
		{"refill", "again"},
	}
	version := uint64(1)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version++
			mustApply(t, d, mustDiff(t, d, "a", tt.text), version)
			if d.Text() != tt.text {
				t.Errorf("Text() = %q, want %q", d.Text(), tt.text)
			}
			if d.Size() != len(tt.text) {
				t.Errorf("Size() = %d, want %d", d.Size(), len(tt.text))
			}
			if d.Version() != version {
				t.Errorf("Version() = %d, want %d", d.Version(), version)
			}
		})
	}
}

func TestDiffNoChange(t *testing.T) {
	d, _ := Create("a", "same", 1)
	if ops := mustDiff(t, d, "a", "same"); ops != nil {
		t.Errorf("Diff of identical text = %v, want nil", ops)
	}
}

func TestConcurrentInsertsConverge(t *testing.T) {
	base, _ := Create("base", "ac", 1)
	state := base.State()

	left := New()
	mustApply(t, left, state.Ops, 1)
	right := New()
	mustApply(t, right, state.Ops, 1)

	leftOps := mustDiff(t, left, "left", "abc")
	mustApply(t, left, leftOps, 2)
	rightOps := mustDiff(t, right, "right", "aXc")
	mustApply(t, right, rightOps, 2)

	if _, err := left.Merge(right.State(), 3); err != nil {
		t.Fatal(err)
	}
	if _, err := right.Merge(left.State(), 3); err != nil {
		t.Fatal(err)
	}
	if left.Text() != right.Text() {
		t.Fatalf("diverged: %q vs %q", left.Text(), right.Text())
	}
	// same clock, replica "right" > "left" so its insert comes first
	if left.Text() != "aXbc" {
		t.Errorf("Text() = %q, want %q", left.Text(), "aXbc")
	}
}

// TestMergePermutations delivers the same set of ops in random orders and
// with duplicates and checks that all replicas converge.
func TestMergePermutations(t *testing.T) {
	replicas := []string{"r1", "r2", "r3"}
	texts := []string{"the quick brown fox", "a quick red fox", "the slow brown dog"}

	origin, _ := Create("origin", "the quick fox", 1)
	var all []Op
	all = append(all, origin.State().Ops...)
	for i, r := range replicas {
		d := New()
		mustApply(t, d, origin.State().Ops, 1)
		ops := mustDiff(t, d, r, texts[i])
		mustApply(t, d, ops, 2)
		all = append(all, ops...)
	}

	rng := rand.New(rand.NewSource(42))
	var want string
	for trial := 0; trial < 20; trial++ {
		shuffled := append([]Op(nil), all...)
		shuffled = append(shuffled, all[:len(all)/3]...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		d := New()
		mustApply(t, d, shuffled, 1)
		if trial == 0 {
			want = d.Text()
			continue
		}
		if d.Text() != want {
			t.Fatalf("trial %d diverged: %q vs %q", trial, d.Text(), want)
		}
	}
}

func TestMergeIdempotentAndCommutative(t *testing.T) {
	a, _ := Create("a", "one", 1)
	b, _ := Create("b", "two", 1)

	ab := New()
	mustApply(t, ab, a.State().Ops, 1)
	mustApply(t, ab, b.State().Ops, 2)

	ba := New()
	mustApply(t, ba, b.State().Ops, 1)
	mustApply(t, ba, a.State().Ops, 2)

	if ab.Text() != ba.Text() {
		t.Fatalf("not commutative: %q vs %q", ab.Text(), ba.Text())
	}

	delta, err := ab.Merge(a.State(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(delta) != 0 {
		t.Errorf("re-merge applied %d ops, want 0", len(delta))
	}
	if ab.Version() != 2 {
		t.Errorf("Version() = %d after no-op merge, want 2", ab.Version())
	}
}

func TestMergeRejectsMalformedInput(t *testing.T) {
	base, _ := Create("a", "xy", 1)
	x := base.State().Ops[0]

	tests := []struct {
		name string
		ops  []Op
	}{
		{"zero id", []Op{{Kind: OpInsert, Value: 'q'}}},
		{"unknown kind", []Op{{Kind: 9, ID: OpID{5, "b"}}}},
		{"dangling anchor", []Op{{Kind: OpInsert, ID: OpID{5, "b"}, Ref: OpID{4, "nobody"}, Value: 'q'}}},
		{"dangling delete", []Op{{Kind: OpDelete, ID: OpID{5, "b"}, Ref: OpID{4, "nobody"}}}},
		{"delete without target", []Op{{Kind: OpDelete, ID: OpID{5, "b"}}}},
		{"conflicting duplicate", []Op{{Kind: OpInsert, ID: x.ID, Ref: x.Ref, Value: 'Z'}}},
		{"anchor not before op", []Op{{Kind: OpInsert, ID: OpID{1, "b"}, Ref: x.ID, Value: 'q'}}},
		{"invalid rune", []Op{{Kind: OpInsert, ID: OpID{5, "b"}, Value: 0xD800}}},
		{"valid op with a bad one", []Op{
			{Kind: OpInsert, ID: OpID{5, "b"}, Ref: x.ID, Value: 'q'},
			{Kind: OpDelete, ID: OpID{6, "b"}, Ref: OpID{9, "nobody"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := base.Apply(tt.ops, 2)
			if !errors.Is(err, errs.InvalidMergeInput) {
				t.Fatalf("Apply() error = %v, want InvalidMergeInput", err)
			}
			if base.Text() != "xy" || base.Version() != 1 {
				t.Errorf("document changed after rejected merge: %q v%d", base.Text(), base.Version())
			}
		})
	}
}

func TestDecodeStateRejectsGarbage(t *testing.T) {
	if _, err := DecodeState([]byte{0xff, 0x00, 0x13}); !errors.Is(err, errs.InvalidMergeInput) {
		t.Errorf("DecodeState() error = %v, want InvalidMergeInput", err)
	}
}

func TestStateEncodingRoundTrip(t *testing.T) {
	d, _ := Create("a", "héllo", 1)
	mustApply(t, d, mustDiff(t, d, "a", "hällo!"), 2)

	b, err := EncodeState(d.State())
	if err != nil {
		t.Fatal(err)
	}
	s, err := DecodeState(b)
	if err != nil {
		t.Fatal(err)
	}
	other := New()
	mustApply(t, other, s.Ops, 7)
	if other.Text() != d.Text() {
		t.Errorf("Text() = %q, want %q", other.Text(), d.Text())
	}
}

func TestViewAt(t *testing.T) {
	d, _ := Create("a", "v1", 10)
	mustApply(t, d, mustDiff(t, d, "a", "v2 text"), 20)
	mustApply(t, d, mustDiff(t, d, "a", "text"), 30)

	tests := []struct {
		version uint64
		want    string
	}{
		{5, ""},
		{10, "v1"},
		{15, "v1"},
		{20, "v2 text"},
		{29, "v2 text"},
		{30, "text"},
		{100, "text"},
	}
	for _, tt := range tests {
		if got := d.ViewAt(tt.version); got != tt.want {
			t.Errorf("ViewAt(%d) = %q, want %q", tt.version, got, tt.want)
		}
	}
}

func TestOpsSince(t *testing.T) {
	d, create := Create("a", "ab", 1)
	edit := mustDiff(t, d, "a", "abc")
	mustApply(t, d, edit, 2)

	if got := d.OpsSince(0); len(got) != len(create)+len(edit) {
		t.Errorf("OpsSince(0) returned %d ops", len(got))
	}
	if got := d.OpsSince(1); !reflect.DeepEqual(got, edit) {
		t.Errorf("OpsSince(1) = %v, want %v", got, edit)
	}
	if got := d.OpsSince(2); len(got) != 0 {
		t.Errorf("OpsSince(2) = %v, want none", got)
	}
}

func TestSnapshotRestore(t *testing.T) {
	d, _ := Create("a", "hello world", 1)
	mustApply(t, d, mustDiff(t, d, "a", "hello brave world"), 2)
	mustApply(t, d, mustDiff(t, d, "a", "brave world"), 3)
	other, _ := Create("b", "!", 4)
	if _, err := d.Merge(other.State(), 4); err != nil {
		t.Fatal(err)
	}

	r := Restore(d.Snapshot())
	if r.Text() != d.Text() {
		t.Errorf("Text() = %q, want %q", r.Text(), d.Text())
	}
	if r.Version() != d.Version() || r.Clock() != d.Clock() {
		t.Errorf("version/clock = %d/%d, want %d/%d", r.Version(), r.Clock(), d.Version(), d.Clock())
	}
	if !reflect.DeepEqual(r.State(), d.State()) {
		t.Error("restored state differs")
	}
	if r.ViewAt(2) != d.ViewAt(2) {
		t.Errorf("ViewAt(2) = %q, want %q", r.ViewAt(2), d.ViewAt(2))
	}

	// edits continue to work after restore
	mustApply(t, r, mustDiff(t, r, "a", "brave new world!"), 5)
	if r.Text() != "brave new world!" {
		t.Errorf("Text() after edit = %q", r.Text())
	}
}

func TestClockLimit(t *testing.T) {
	d, ops := Create("s1", "hello", 1)
	last := ops[len(ops)-1].ID

	tests := []struct {
		name  string
		clock uint64
		ok    bool
	}{
		{"max uint64", math.MaxUint64, false},
		{"above limit", MaxClock + 1, false},
		{"at limit", MaxClock, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := []Op{{Kind: OpInsert, ID: OpID{tt.clock, "client"}, Ref: last, Value: '!'}}
			_, err := d.Apply(remote, 2)
			if tt.ok != (err == nil) {
				t.Fatalf("Apply() error = %v, want ok %v", err, tt.ok)
			}
			if !tt.ok && errs.CodeOf(err) != errs.CodeInvalidMergeInput {
				t.Errorf("Apply() error = %v, want InvalidMergeInput", err)
			}
		})
	}

	// local edits keep working after the highest accepted clock
	mustApply(t, d, mustDiff(t, d, "s1", "hello world"), 3)
	if d.Text() != "hello world" {
		t.Fatalf("Text() = %q", d.Text())
	}
	if d.Clock() <= MaxClock {
		t.Errorf("Clock() = %d, want past %d", d.Clock(), uint64(MaxClock))
	}
}

func TestDiffDoesNotWrapClock(t *testing.T) {
	d, _ := Create("a", "ab", 1)
	d.clock = math.MaxUint64 - 1
	if _, err := d.Diff("a", "abcd"); errs.CodeOf(err) != errs.CodeInvalidOperation {
		t.Fatalf("Diff() error = %v, want InvalidOperation", err)
	}
}
