package shardtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/crdt"
	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/shard"
)

// Factory creates a fresh, empty shard for one test. Resources should be
// released through t.Cleanup.
type Factory func(t testing.TB) shard.IShard

// RunShardTests runs the conformance suite for an IShard implementation.
func RunShardTests(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("CreateRead", func(t *testing.T) {
			testCreateRead(t, factory(t))
		})

		t.Run("EditAndNoop", func(t *testing.T) {
			testEditAndNoop(t, factory(t))
		})

		t.Run("AccessControl", func(t *testing.T) {
			testAccessControl(t, factory(t))
		})

		t.Run("MoveAndCycles", func(t *testing.T) {
			testMoveAndCycles(t, factory(t))
		})

		t.Run("DeleteSubtree", func(t *testing.T) {
			testDeleteSubtree(t, factory(t))
		})

		t.Run("InvalidInput", func(t *testing.T) {
			testInvalidInput(t, factory(t))
		})

		t.Run("Subscribe", func(t *testing.T) {
			testSubscribe(t, factory(t))
		})

		t.Run("CheckpointCompact", func(t *testing.T) {
			testCheckpointCompact(t, factory(t))
		})

		t.Run("ConcurrentCommits", func(t *testing.T) {
			testConcurrentCommits(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

var (
	alice = shard.Actor{Principal: "alice"}
	bob   = shard.Actor{Principal: "bob"}
)

func text(s string) *string { return &s }

func commit(t testing.TB, s shard.IShard, op *shard.Op) shard.Result {
	t.Helper()
	res, err := s.Commit(context.Background(), op)
	if err != nil {
		t.Fatalf("%s of %s failed: %v", op.Kind, op.Doc, err)
	}
	return res
}

func create(t testing.TB, s shard.IShard, actor shard.Actor, parent uuid.UUID, name string, typ catalog.DocType, content string) uuid.UUID {
	t.Helper()
	op := &shard.Op{Kind: shard.OpCreate, Actor: actor, Doc: uuid.New(), Parent: parent, Name: name, Type: typ}
	if typ != catalog.TypeFolder {
		op.Text = text(content)
	}
	commit(t, s, op)
	return op.Doc
}

func crdtInsert(clock uint64, replica string, refClock uint64, refReplica string, value rune) crdt.Op {
	return crdt.Op{
		Kind:  crdt.OpInsert,
		ID:    crdt.OpID{Clock: clock, Replica: replica},
		Ref:   crdt.OpID{Clock: refClock, Replica: refReplica},
		Value: value,
	}
}

func expectCode(t testing.TB, err error, code errs.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected error with code %d, got nil", code)
	}
	if errs.CodeOf(err) != code {
		t.Fatalf("Expected error with code %d, got %v", code, err)
	}
}

func document(t testing.TB, s shard.IShard, id uuid.UUID) (catalog.Document, string) {
	t.Helper()
	var d catalog.Document
	var content string
	err := s.View(func(st *shard.State) error {
		doc, ok := st.Catalog.Get(id)
		if !ok {
			return errs.Newf(errs.CodeNotFound, "document %s", id)
		}
		d = *doc.Clone()
		content = st.Text(id)
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	return d, content
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testCreateRead(t *testing.T, s shard.IShard) {
	folder := create(t, s, alice, uuid.Nil, "notes", catalog.TypeFolder, "")
	doc := create(t, s, alice, folder, "todo", catalog.TypeText, "buy milk")

	d, content := document(t, s, doc)
	if content != "buy milk" {
		t.Errorf("Expected content %q, got %q", "buy milk", content)
	}
	if d.Owner != "alice" || d.Parent != folder || d.Type != catalog.TypeText {
		t.Errorf("Unexpected metadata %+v", d)
	}
	if d.Size != len("buy milk") {
		t.Errorf("Expected size %d, got %d", len("buy milk"), d.Size)
	}

	f, _ := document(t, s, folder)
	if f.ChildrenVersion != d.Version {
		t.Errorf("Expected folder children version %d, got %d", d.Version, f.ChildrenVersion)
	}
	if d.Version <= f.Version {
		t.Errorf("Expected document version %d to be above folder version %d", d.Version, f.Version)
	}
}

func testEditAndNoop(t *testing.T, s shard.IShard) {
	doc := create(t, s, alice, uuid.Nil, "draft", catalog.TypeText, "hello")
	before, _ := document(t, s, doc)

	res := commit(t, s, &shard.Op{Kind: shard.OpEdit, Actor: alice, Doc: doc, Text: text("hello world")})
	if res.Noop || res.Applied == 0 {
		t.Fatalf("Expected edit to apply ops, got %+v", res)
	}
	if res.Version <= before.Version {
		t.Errorf("Expected version to increase beyond %d, got %d", before.Version, res.Version)
	}

	again := commit(t, s, &shard.Op{Kind: shard.OpEdit, Actor: alice, Doc: doc, Text: text("hello world")})
	if !again.Noop || again.Version != res.Version || again.Seq != res.Seq {
		t.Errorf("Expected unchanged edit to be a noop at version %d, got %+v", res.Version, again)
	}

	_, content := document(t, s, doc)
	if content != "hello world" {
		t.Errorf("Expected %q, got %q", "hello world", content)
	}

	folder := create(t, s, alice, uuid.Nil, "dir", catalog.TypeFolder, "")
	_, err := s.Commit(context.Background(), &shard.Op{Kind: shard.OpEdit, Actor: alice, Doc: folder, Text: text("x")})
	expectCode(t, err, errs.CodeInvalidOperation)
}

func testAccessControl(t *testing.T, s shard.IShard) {
	doc := create(t, s, alice, uuid.Nil, "secret", catalog.TypeText, "v1")
	edit := func(actor shard.Actor, content string) error {
		_, err := s.Commit(context.Background(), &shard.Op{Kind: shard.OpEdit, Actor: actor, Doc: doc, Text: text(content)})
		return err
	}

	expectCode(t, edit(bob, "bob was here"), errs.CodeAccessDenied)

	commit(t, s, &shard.Op{Kind: shard.OpGrant, Actor: alice, Doc: doc, Principal: "bob", Level: catalog.LevelRead})
	expectCode(t, edit(bob, "bob was here"), errs.CodeAccessDenied)

	// only the owner manages access
	_, err := s.Commit(context.Background(), &shard.Op{Kind: shard.OpGrant, Actor: bob, Doc: doc, Principal: "carol", Level: catalog.LevelRead})
	expectCode(t, err, errs.CodeAccessDenied)
	_, err = s.Commit(context.Background(), &shard.Op{Kind: shard.OpGrant, Actor: alice, Doc: doc, Principal: "alice", Level: catalog.LevelRead})
	expectCode(t, err, errs.CodeInvalidOperation)

	commit(t, s, &shard.Op{Kind: shard.OpGrant, Actor: alice, Doc: doc, Principal: "bob", Level: catalog.LevelWrite})
	if err := edit(bob, "bob was here"); err != nil {
		t.Fatalf("Expected bob to edit with write access: %v", err)
	}

	d, _ := document(t, s, doc)
	if len(d.ACL) != 1 || d.ACL[0].Principal != "bob" || d.ACL[0].GrantedBy != "alice" {
		t.Errorf("Unexpected ACL %+v", d.ACL)
	}

	commit(t, s, &shard.Op{Kind: shard.OpRevoke, Actor: alice, Doc: doc, Principal: "bob"})
	expectCode(t, edit(bob, "again"), errs.CodeAccessDenied)

	res := commit(t, s, &shard.Op{Kind: shard.OpRevoke, Actor: alice, Doc: doc, Principal: "bob"})
	if !res.Noop {
		t.Errorf("Expected revoking a missing entry to be a noop")
	}

	// unknown documents look the same as forbidden ones
	_, err = s.Commit(context.Background(), &shard.Op{Kind: shard.OpEdit, Actor: bob, Doc: uuid.New(), Text: text("x")})
	expectCode(t, err, errs.CodeAccessDenied)
}

func testMoveAndCycles(t *testing.T, s shard.IShard) {
	a := create(t, s, alice, uuid.Nil, "a", catalog.TypeFolder, "")
	b := create(t, s, alice, a, "b", catalog.TypeFolder, "")
	c := create(t, s, alice, b, "c", catalog.TypeFolder, "")
	doc := create(t, s, alice, a, "doc", catalog.TypeText, "content")
	other := create(t, s, alice, uuid.Nil, "other", catalog.TypeText, "")

	_, err := s.Commit(context.Background(), &shard.Op{Kind: shard.OpMove, Actor: alice, Doc: a, Parent: c})
	expectCode(t, err, errs.CodeCycleDetected)
	_, err = s.Commit(context.Background(), &shard.Op{Kind: shard.OpMove, Actor: alice, Doc: a, Parent: a})
	expectCode(t, err, errs.CodeCycleDetected)

	_, err = s.Commit(context.Background(), &shard.Op{Kind: shard.OpMove, Actor: alice, Doc: b, Parent: other})
	expectCode(t, err, errs.CodeInvalidOperation)

	res := commit(t, s, &shard.Op{Kind: shard.OpMove, Actor: alice, Doc: doc, Parent: c})
	d, _ := document(t, s, doc)
	if d.Parent != c || d.Version != res.Version {
		t.Errorf("Expected doc under %s at version %d, got %+v", c, res.Version, d)
	}
	src, _ := document(t, s, a)
	dst, _ := document(t, s, c)
	if src.ChildrenVersion != res.Seq || dst.ChildrenVersion != res.Seq {
		t.Errorf("Expected both folders to record the move at %d, got %d and %d", res.Seq, src.ChildrenVersion, dst.ChildrenVersion)
	}

	// bob can write the document but not the destination
	commit(t, s, &shard.Op{Kind: shard.OpGrant, Actor: alice, Doc: doc, Principal: "bob", Level: catalog.LevelWrite})
	_, err = s.Commit(context.Background(), &shard.Op{Kind: shard.OpMove, Actor: bob, Doc: doc, Parent: b})
	expectCode(t, err, errs.CodeAccessDenied)
	_, err = s.Commit(context.Background(), &shard.Op{Kind: shard.OpMove, Actor: bob, Doc: doc, Parent: uuid.Nil})
	expectCode(t, err, errs.CodeAccessDenied)

	commit(t, s, &shard.Op{Kind: shard.OpGrant, Actor: alice, Doc: b, Principal: "bob", Level: catalog.LevelWrite})
	commit(t, s, &shard.Op{Kind: shard.OpMove, Actor: bob, Doc: doc, Parent: b})

	commit(t, s, &shard.Op{Kind: shard.OpRename, Actor: alice, Doc: c, Name: "renamed"})
	cd, _ := document(t, s, c)
	if cd.Name != "renamed" {
		t.Errorf("Expected name %q, got %q", "renamed", cd.Name)
	}
}

func testDeleteSubtree(t *testing.T, s shard.IShard) {
	root := create(t, s, alice, uuid.Nil, "root", catalog.TypeFolder, "")
	sub := create(t, s, alice, root, "sub", catalog.TypeFolder, "")
	doc := create(t, s, alice, sub, "doc", catalog.TypeText, "x")
	keep := create(t, s, alice, uuid.Nil, "keep", catalog.TypeText, "y")

	res := commit(t, s, &shard.Op{Kind: shard.OpDelete, Actor: alice, Doc: root})

	for _, id := range []uuid.UUID{root, sub, doc} {
		d, _ := document(t, s, id)
		if !d.Deleted || d.Version != res.Version {
			t.Errorf("Expected %s deleted at version %d, got %+v", d.Name, res.Version, d)
		}
	}
	if d, _ := document(t, s, keep); d.Deleted {
		t.Errorf("Expected unrelated document to survive")
	}

	_, err := s.Commit(context.Background(), &shard.Op{Kind: shard.OpEdit, Actor: alice, Doc: doc, Text: text("z")})
	expectCode(t, err, errs.CodeNotFound)
	_, err = s.Commit(context.Background(), &shard.Op{Kind: shard.OpCreate, Actor: alice, Doc: uuid.New(), Parent: sub, Name: "late", Type: catalog.TypeText})
	expectCode(t, err, errs.CodeNotFound)
}

func testInvalidInput(t *testing.T, s shard.IShard) {
	doc := create(t, s, alice, uuid.Nil, "doc", catalog.TypeText, "abc")
	_, content := document(t, s, doc)

	// references an element that does not exist
	bad := &shard.Op{Kind: shard.OpEdit, Actor: alice, Doc: doc}
	bad.Ops = append(bad.Ops, crdtInsert(99, "r1", 98, "r1", 'x'))
	_, err := s.Commit(context.Background(), bad)
	expectCode(t, err, errs.CodeInvalidMergeInput)

	if _, after := document(t, s, doc); after != content {
		t.Errorf("Expected content unchanged after rejected merge, got %q", after)
	}

	_, err = s.Commit(context.Background(), &shard.Op{Kind: shard.OpCreate, Actor: alice, Doc: uuid.New(), Name: "", Type: catalog.TypeText})
	expectCode(t, err, errs.CodeInvalidOperation)
	_, err = s.Commit(context.Background(), &shard.Op{Kind: shard.OpCreate, Actor: alice, Doc: uuid.New(), Name: "f", Type: catalog.TypeFolder, Text: text("content")})
	expectCode(t, err, errs.CodeInvalidOperation)
	_, err = s.Commit(context.Background(), &shard.Op{Kind: shard.OpCreate, Actor: alice, Doc: uuid.New(), Name: "g", Type: catalog.TypeIndexGuide})
	expectCode(t, err, errs.CodeInvalidOperation)
	_, err = s.Commit(context.Background(), &shard.Op{Kind: shard.OpCreate, Actor: alice, Doc: uuid.New(), Parent: doc, Name: "child", Type: catalog.TypeText})
	expectCode(t, err, errs.CodeInvalidOperation)
	_, err = s.Commit(context.Background(), &shard.Op{Kind: shard.OpCreate, Actor: shard.Actor{}, Doc: uuid.New(), Name: "anon", Type: catalog.TypeText})
	expectCode(t, err, errs.CodeAccessDenied)
}

func testSubscribe(t *testing.T, s shard.IShard) {
	sub, err := s.Local().Subscribe(16)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	doc := create(t, s, alice, uuid.Nil, "doc", catalog.TypeText, "a")
	commit(t, s, &shard.Op{Kind: shard.OpEdit, Actor: alice, Doc: doc, Text: text("ab")})
	commit(t, s, &shard.Op{Kind: shard.OpRename, Actor: alice, Doc: doc, Name: "doc2"})

	want := []shard.Kind{shard.OpCreate, shard.OpEdit, shard.OpRename}
	seq := sub.From()
	for i, kind := range want {
		select {
		case ch, ok := <-sub.Changes():
			if !ok {
				t.Fatalf("Subscription closed early: %v", sub.Err())
			}
			if ch.Kind != kind || ch.Seq != seq || ch.Doc != doc {
				t.Errorf("Change %d: expected %s at %d, got %s at %d", i, kind, seq, ch.Kind, ch.Seq)
			}
			seq++
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out waiting for change %d", i)
		}
	}
}

func testCheckpointCompact(t *testing.T, s shard.IShard) {
	keep := create(t, s, alice, uuid.Nil, "keep", catalog.TypeText, "keep")
	gone := create(t, s, alice, uuid.Nil, "gone", catalog.TypeText, "gone")
	commit(t, s, &shard.Op{Kind: shard.OpDelete, Actor: alice, Doc: gone})

	cp, err := s.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if info := s.Info(); info.LastCheckpoint != cp.Seq || info.Seq != cp.Seq {
		t.Errorf("Expected checkpoint at seq %d, info says %+v", cp.Seq, info)
	}

	rep, err := s.Compact(context.Background(), time.Now().Add(time.Hour).UnixNano())
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if len(rep.Purged) != 1 || rep.Purged[0] != gone {
		t.Errorf("Expected %s to be purged, got %v", gone, rep.Purged)
	}

	err = s.View(func(st *shard.State) error {
		if _, ok := st.Catalog.Get(gone); ok {
			return fmt.Errorf("purged document still in catalog")
		}
		if _, ok := st.Catalog.Get(keep); !ok {
			return fmt.Errorf("live document was purged")
		}
		return nil
	})
	if err != nil {
		t.Error(err)
	}
}

func testConcurrentCommits(t *testing.T, s shard.IShard) {
	const writers, edits = 8, 25

	docs := make([]uuid.UUID, writers)
	for i := range docs {
		docs[i] = create(t, s, alice, uuid.Nil, fmt.Sprintf("doc-%d", i), catalog.TypeText, "")
	}
	start := s.Info().Seq

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	for i := range writers {
		wg.Add(1)
		go func(doc uuid.UUID) {
			defer wg.Done()
			content := ""
			for j := range edits {
				content += fmt.Sprint(j % 10)
				res, err := s.Commit(context.Background(), &shard.Op{Kind: shard.OpEdit, Actor: alice, Doc: doc, Text: text(content)})
				if err != nil {
					t.Errorf("Edit failed: %v", err)
					return
				}
				mu.Lock()
				if seen[res.Seq] {
					t.Errorf("Sequence %d assigned twice", res.Seq)
				}
				seen[res.Seq] = true
				mu.Unlock()
			}
		}(docs[i])
	}
	wg.Wait()

	if got := s.Info().Seq; got != start+writers*edits {
		t.Errorf("Expected seq %d, got %d", start+writers*edits, got)
	}
	for _, doc := range docs {
		if d, content := document(t, s, doc); len(content) != edits || d.Size != edits {
			t.Errorf("Expected %d characters in %s, got %q", edits, d.Name, content)
		}
	}
}
