package timeline_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/blob"
	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/shard"
	"github.com/ValentinKolb/ctxhub/lib/timeline"
)

var alice = shard.Actor{Principal: "alice"}

func str(s string) *string { return &s }

func openShard(t *testing.T, opts shard.Options) *shard.Shard {
	t.Helper()
	blobs, err := blob.Open(blob.InMemoryConfig())
	if err != nil {
		t.Fatalf("blob.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = blobs.Close() })

	opts.ID = 1
	opts.Dir = t.TempDir()
	opts.Blobs = blobs
	s, err := shard.Open(opts)
	if err != nil {
		t.Fatalf("shard.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func commitAt(t *testing.T, s *shard.Shard, ts int64, op *shard.Op) shard.Result {
	t.Helper()
	res, err := s.CommitAt(op, ts)
	if err != nil {
		t.Fatalf("%s at %d failed: %v", op.Kind, ts, err)
	}
	return res
}

func encode(t *testing.T, st *shard.State) []byte {
	t.Helper()
	b, err := shard.EncodeState(st)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// aTxt runs the a.txt history: created by alice with "hello" at 1000,
// shared with bob at 1200, changed to "hello world" at 2000 and deleted at
// 3000.
func aTxt(t *testing.T, s *shard.Shard) uuid.UUID {
	t.Helper()
	doc := uuid.New()
	commitAt(t, s, 1000, &shard.Op{Kind: shard.OpCreate, Actor: alice, Doc: doc, Name: "a.txt", Type: catalog.TypeText, Text: str("hello")})
	commitAt(t, s, 1200, &shard.Op{Kind: shard.OpGrant, Actor: alice, Doc: doc, Principal: "bob", Level: catalog.LevelRead})
	commitAt(t, s, 2000, &shard.Op{Kind: shard.OpEdit, Actor: alice, Doc: doc, Text: str("hello world")})
	commitAt(t, s, 3000, &shard.Op{Kind: shard.OpDelete, Actor: alice, Doc: doc})
	return doc
}

func TestGetStateScenario(t *testing.T) {
	s := openShard(t, shard.Options{})
	doc := aTxt(t, s)
	ctx := context.Background()

	tests := []struct {
		name      string
		principal string
		ts        int64
		code      errs.Code
		content   string
		deleted   bool
	}{
		{"before creation, owner", "alice", 500, errs.CodeNotFound, "", false},
		{"before creation, reader", "bob", 500, errs.CodeNotFound, "", false},
		{"before creation, stranger", "carol", 500, errs.CodeAccessDenied, "", false},
		{"after create", "alice", 1001, errs.CodeOK, "hello", false},
		{"before grant", "bob", 1100, errs.CodeAccessDenied, "", false},
		{"after grant", "bob", 1500, errs.CodeOK, "hello", false},
		{"exactly at update", "alice", 2000, errs.CodeOK, "hello world", false},
		{"after update", "bob", 2001, errs.CodeOK, "hello world", false},
		{"after delete, owner", "alice", 3001, errs.CodeOK, "hello world", true},
		{"after delete, reader", "bob", 3001, errs.CodeAccessDenied, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := timeline.GetState(ctx, s, timeline.Request{
				Principal: tt.principal,
				Scope:     timeline.Scope{Doc: doc},
				TS:        tt.ts,
			})
			if code := errs.CodeOf(err); code != tt.code {
				t.Fatalf("GetState() error = %v, want code %s", err, tt.code)
			}
			if err != nil {
				return
			}
			if len(v.Docs) != 1 {
				t.Fatalf("GetState() returned %d documents", len(v.Docs))
			}
			d := v.Docs[0]
			if d.Content != tt.content || d.Deleted != tt.deleted {
				t.Errorf("GetState() = %q (deleted %v), want %q (deleted %v)", d.Content, d.Deleted, tt.content, tt.deleted)
			}
			if v.TS > tt.ts {
				t.Errorf("View.TS = %d after requested %d", v.TS, tt.ts)
			}
		})
	}
}

func TestReconstructMatchesLiveState(t *testing.T) {
	s := openShard(t, shard.Options{})
	ctx := context.Background()
	aTxt(t, s)

	var want []byte
	if err := s.View(func(st *shard.State) error {
		want = encode(t, st)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	commitAt(t, s, 4000, &shard.Op{Kind: shard.OpCreate, Actor: alice, Doc: uuid.New(), Name: "b.txt", Type: catalog.TypeText, Text: str("later")})

	st, err := timeline.Reconstruct(ctx, s, 3500)
	if err != nil {
		t.Fatalf("Reconstruct() error = %v", err)
	}
	if got := encode(t, st); !bytes.Equal(got, want) {
		t.Errorf("Reconstruct(3500) differs from the live state at 3500")
	}

	// a checkpoint taken later must not leak into earlier instants
	st, err = timeline.Reconstruct(ctx, s, 1500)
	if err != nil {
		t.Fatal(err)
	}
	if st.Seq != 2 || st.Catalog.Len() != 1 {
		t.Errorf("Reconstruct(1500) at seq %d with %d documents, want seq 2 with 1", st.Seq, st.Catalog.Len())
	}

	// the result is private
	st.Catalog.Remove(st.Catalog.All()[0].ID)
	if err := s.View(func(live *shard.State) error {
		if live.Catalog.Len() != 2 {
			t.Errorf("live catalog changed through a reconstructed state")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	st, err = timeline.StateAt(ctx, s, 3)
	if err != nil {
		t.Fatal(err)
	}
	if st.TS != 2000 {
		t.Errorf("StateAt(3).TS = %d, want 2000", st.TS)
	}
	if _, err := timeline.StateAt(ctx, s, 99); errs.CodeOf(err) != errs.CodeInvalidOperation {
		t.Errorf("StateAt(99) error = %v, want InvalidOperation", err)
	}
}

func TestReconstructCancel(t *testing.T) {
	s := openShard(t, shard.Options{})
	aTxt(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := timeline.Reconstruct(ctx, s, 1500); !errors.Is(err, context.Canceled) {
		t.Errorf("Reconstruct() with canceled context error = %v", err)
	}
}

func TestReconstructCompacted(t *testing.T) {
	// one record per segment, so compaction can drop single records
	s := openShard(t, shard.Options{SegmentSize: 1})
	ctx := context.Background()

	doc := uuid.New()
	commitAt(t, s, 1000, &shard.Op{Kind: shard.OpCreate, Actor: alice, Doc: doc, Name: "n", Type: catalog.TypeText, Text: str("v1")})
	commitAt(t, s, 2000, &shard.Op{Kind: shard.OpEdit, Actor: alice, Doc: doc, Text: str("v2")})
	if _, err := s.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	commitAt(t, s, 3000, &shard.Op{Kind: shard.OpEdit, Actor: alice, Doc: doc, Text: str("v3")})

	rep, err := s.Compact(ctx, 2500)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if rep.RetainedFrom != 3 {
		t.Fatalf("Compact() retained from %d, want 3", rep.RetainedFrom)
	}

	if _, err := timeline.Reconstruct(ctx, s, 1500); errs.CodeOf(err) != errs.CodeCompacted {
		t.Errorf("Reconstruct(1500) error = %v, want Compacted", err)
	}
	st, err := timeline.Reconstruct(ctx, s, 2500)
	if err != nil {
		t.Fatalf("Reconstruct(2500) error = %v", err)
	}
	if got := st.Text(doc); got != "v2" {
		t.Errorf("Reconstruct(2500) = %q, want v2", got)
	}
}

func TestGetStateSubtree(t *testing.T) {
	s := openShard(t, shard.Options{})
	ctx := context.Background()

	folder, inside, outside := uuid.New(), uuid.New(), uuid.New()
	commitAt(t, s, 100, &shard.Op{Kind: shard.OpCreate, Actor: alice, Doc: folder, Name: "f", Type: catalog.TypeFolder})
	commitAt(t, s, 200, &shard.Op{Kind: shard.OpCreate, Actor: alice, Doc: inside, Parent: folder, Name: "in", Type: catalog.TypeText, Text: str("i")})
	commitAt(t, s, 300, &shard.Op{Kind: shard.OpCreate, Actor: alice, Doc: outside, Name: "out", Type: catalog.TypeText, Text: str("o")})
	commitAt(t, s, 400, &shard.Op{Kind: shard.OpGrant, Actor: alice, Doc: inside, Principal: "bob", Level: catalog.LevelRead})

	v, err := timeline.GetState(ctx, s, timeline.Request{Principal: "alice", Scope: timeline.Scope{Doc: folder, Subtree: true}, TS: 500})
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Docs) != 2 || v.Docs[0].ID != folder || v.Docs[1].ID != inside {
		t.Errorf("subtree of f = %+v", v.Docs)
	}

	_, err = timeline.GetState(ctx, s, timeline.Request{Principal: "bob", Scope: timeline.Scope{Doc: folder, Subtree: true}, TS: 500})
	if errs.CodeOf(err) != errs.CodeAccessDenied {
		t.Errorf("bob on folder error = %v, want AccessDenied", err)
	}

	v, err = timeline.GetState(ctx, s, timeline.Request{Principal: "bob", Scope: timeline.Scope{Subtree: true}, TS: 500})
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Docs) != 1 || v.Docs[0].ID != inside {
		t.Errorf("shard scope for bob = %+v", v.Docs)
	}

	// agent scopes narrow what the owner sees
	scopes := catalog.NewScopes(catalog.ScopeRule{User: "alice", Agent: "bot", Folders: []uuid.UUID{folder}})
	v, err = timeline.GetState(ctx, s, timeline.Request{Principal: "alice", Agent: "bot", Scope: timeline.Scope{Subtree: true}, TS: 500, Scopes: scopes})
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Docs) != 2 {
		t.Errorf("agent view has %d documents, want 2", len(v.Docs))
	}
}

func TestChanges(t *testing.T) {
	s := openShard(t, shard.Options{})
	ctx := context.Background()
	doc := aTxt(t, s)

	var kinds []shard.Kind
	var seqs []uint64
	for ch, err := range timeline.Changes(ctx, s, 0) {
		if err != nil {
			t.Fatal(err)
		}
		kinds = append(kinds, ch.Kind)
		seqs = append(seqs, ch.Seq)
		if ch.Doc != doc {
			t.Errorf("change %d for %s", ch.Seq, ch.Doc)
		}
	}
	want := []shard.Kind{shard.OpCreate, shard.OpGrant, shard.OpEdit, shard.OpDelete}
	if fmt.Sprint(kinds) != fmt.Sprint(want) || fmt.Sprint(seqs) != "[1 2 3 4]" {
		t.Errorf("Changes(0) = %v %v", kinds, seqs)
	}

	n := 0
	for ch, err := range timeline.Changes(ctx, s, 2) {
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 && (ch.Seq != 3 || len(ch.Ops) == 0) {
			t.Errorf("first change after 2 = %+v", ch)
		}
		n++
		break
	}
	if n != 1 {
		t.Errorf("early break yielded %d changes", n)
	}
}

func receive(t *testing.T, sub *timeline.Subscription) (shard.Change, bool) {
	t.Helper()
	select {
	case ch, ok := <-sub.Changes():
		return ch, ok
	case <-time.After(5 * time.Second):
		t.Fatalf("no change received")
		return shard.Change{}, false
	}
}

func TestSubscribeScope(t *testing.T) {
	s := openShard(t, shard.Options{})
	ctx := context.Background()

	folder, inside, outside := uuid.New(), uuid.New(), uuid.New()
	for _, op := range []*shard.Op{
		{Kind: shard.OpCreate, Actor: alice, Doc: folder, Name: "f", Type: catalog.TypeFolder},
		{Kind: shard.OpCreate, Actor: alice, Doc: inside, Parent: folder, Name: "in", Type: catalog.TypeText, Text: str("")},
		{Kind: shard.OpCreate, Actor: alice, Doc: outside, Name: "out", Type: catalog.TypeText, Text: str("")},
	} {
		if _, err := s.Commit(ctx, op); err != nil {
			t.Fatal(err)
		}
	}

	sub, err := timeline.Subscribe(ctx, s, timeline.Scope{Doc: folder, Subtree: true}, 1, timeline.SubscribeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	for _, op := range []*shard.Op{
		{Kind: shard.OpEdit, Actor: alice, Doc: inside, Text: str("x")},   // 4
		{Kind: shard.OpEdit, Actor: alice, Doc: outside, Text: str("y")},  // 5
		{Kind: shard.OpMove, Actor: alice, Doc: outside, Parent: folder},  // 6
		{Kind: shard.OpEdit, Actor: alice, Doc: outside, Text: str("yy")}, // 7
	} {
		if _, err := s.Commit(ctx, op); err != nil {
			t.Fatal(err)
		}
	}

	var got []uint64
	for len(got) < 5 {
		ch, ok := receive(t, sub)
		if !ok {
			t.Fatalf("subscription ended: %v", sub.Err())
		}
		got = append(got, ch.Seq)
	}
	if fmt.Sprint(got) != "[1 2 4 6 7]" {
		t.Errorf("received %v, want [1 2 4 6 7]", got)
	}
	if sub.Last() != 7 {
		t.Errorf("Last() = %d, want 7", sub.Last())
	}

	if _, err := timeline.Subscribe(ctx, s, timeline.Scope{Doc: folder}, 100, timeline.SubscribeOptions{}); errs.CodeOf(err) != errs.CodeInvalidOperation {
		t.Errorf("Subscribe beyond the log error = %v", err)
	}
}

func TestSubscribeLagAndResume(t *testing.T) {
	s := openShard(t, shard.Options{})
	ctx := context.Background()

	doc := uuid.New()
	if _, err := s.Commit(ctx, &shard.Op{Kind: shard.OpCreate, Actor: alice, Doc: doc, Name: "d", Type: catalog.TypeText, Text: str("")}); err != nil {
		t.Fatal(err)
	}

	sub, err := timeline.Subscribe(ctx, s, timeline.Scope{Doc: doc}, 0, timeline.SubscribeOptions{Buffer: 1})
	if err != nil {
		t.Fatal(err)
	}
	const edits = 20
	for i := 1; i <= edits; i++ {
		if _, err := s.Commit(ctx, &shard.Op{Kind: shard.OpEdit, Actor: alice, Doc: doc, Text: str(fmt.Sprint(i))}); err != nil {
			t.Fatal(err)
		}
	}

	var seqs []uint64
	for ch := range sub.Changes() {
		seqs = append(seqs, ch.Seq)
	}
	if !errors.Is(sub.Err(), errs.Lagged) {
		t.Fatalf("Err() = %v, want Lagged", sub.Err())
	}
	if len(seqs) >= edits {
		t.Fatalf("lagging subscriber received all %d changes", len(seqs))
	}

	resumed, err := timeline.Subscribe(ctx, s, timeline.Scope{Doc: doc}, sub.Last()+1, timeline.SubscribeOptions{Buffer: 64})
	if err != nil {
		t.Fatal(err)
	}
	defer resumed.Close()
	for len(seqs) < edits {
		ch, ok := receive(t, resumed)
		if !ok {
			t.Fatalf("resumed subscription ended: %v", resumed.Err())
		}
		seqs = append(seqs, ch.Seq)
	}
	for i, seq := range seqs {
		if seq != uint64(i+2) {
			t.Fatalf("received %v, want 2..%d without gaps", seqs, edits+1)
		}
	}
}
