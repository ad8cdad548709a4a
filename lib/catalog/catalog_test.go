package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/errs"
)

// tree builds:
//
//	root
//	├── docs (folder, alice)
//	│   ├── a.txt (text, alice, bob:read)
//	│   └── inner (folder, alice)
//	│       └── b.txt (text, alice)
//	└── notes (folder, alice, bob:write)
type tree struct {
	c                             *Catalog
	docs, a, inner, b, notes, bob uuid.UUID
}

func newTree() tree {
	c := New()
	tr := tree{c: c, docs: uuid.New(), a: uuid.New(), inner: uuid.New(), b: uuid.New(), notes: uuid.New()}
	c.Put(&Document{ID: tr.docs, Owner: "alice", Name: "docs", Type: TypeFolder})
	c.Put(&Document{ID: tr.a, Owner: "alice", Name: "a.txt", Parent: tr.docs, Type: TypeText,
		ACL: []ACLEntry{{Principal: "bob", Level: LevelRead, GrantedBy: "alice"}}})
	c.Put(&Document{ID: tr.inner, Owner: "alice", Name: "inner", Parent: tr.docs, Type: TypeFolder})
	c.Put(&Document{ID: tr.b, Owner: "alice", Name: "b.txt", Parent: tr.inner, Type: TypeText})
	c.Put(&Document{ID: tr.notes, Owner: "alice", Name: "notes", Type: TypeFolder,
		ACL: []ACLEntry{{Principal: "bob", Level: LevelWrite, GrantedBy: "alice"}}})
	return tr
}

func TestCheckAccess(t *testing.T) {
	tr := newTree()
	scopes := NewScopes(ScopeRule{User: "alice", Agent: "bot", Folders: []uuid.UUID{tr.inner}})

	tests := []struct {
		name      string
		principal string
		agent     string
		id        uuid.UUID
		level     Level
		want      bool
	}{
		{"owner read", "alice", "", tr.a, LevelRead, true},
		{"owner write", "alice", "", tr.a, LevelWrite, true},
		{"acl read", "bob", "", tr.a, LevelRead, true},
		{"acl read does not grant write", "bob", "", tr.a, LevelWrite, false},
		{"acl write implies read", "bob", "", tr.notes, LevelRead, true},
		{"no entry", "carol", "", tr.a, LevelRead, false},
		{"folder acl is not inherited", "bob", "", tr.b, LevelRead, false},
		{"unknown document", "alice", "", uuid.New(), LevelRead, false},
		{"empty principal", "", "", tr.a, LevelRead, false},
		{"scoped agent inside scope", "alice", "bot", tr.b, LevelWrite, true},
		{"scoped agent on scope root", "alice", "bot", tr.inner, LevelRead, true},
		{"scoped agent outside scope", "alice", "bot", tr.a, LevelRead, false},
		{"unscoped agent", "alice", "other", tr.a, LevelRead, true},
		{"scope does not widen", "carol", "bot", tr.b, LevelRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tr.c.CheckAccess(tt.principal, tt.agent, tt.id, tt.level, scopes); got != tt.want {
				t.Errorf("CheckAccess() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateMove(t *testing.T) {
	tr := newTree()

	tests := []struct {
		name string
		id   uuid.UUID
		dest uuid.UUID
		want error
	}{
		{"into sibling folder", tr.b, tr.notes, nil},
		{"to root", tr.inner, uuid.Nil, nil},
		{"into itself", tr.docs, tr.docs, errs.CycleDetected},
		{"into descendant", tr.docs, tr.inner, errs.CycleDetected},
		{"into a text document", tr.b, tr.a, errs.InvalidOperation},
		{"unknown destination", tr.b, uuid.New(), errs.NotFound},
		{"unknown document", uuid.New(), tr.notes, errs.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tr.c.ValidateMove(tt.id, tt.dest)
			if tt.want == nil {
				if err != nil {
					t.Errorf("ValidateMove() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("ValidateMove() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCheckMove(t *testing.T) {
	tr := newTree()
	// bob can write notes but not docs/a.txt
	if tr.c.CheckMove("bob", "", tr.a, tr.notes, nil) {
		t.Error("bob moved a document he can only read")
	}
	tr.c.docs[tr.a].SetACL(ACLEntry{Principal: "bob", Level: LevelWrite})
	if !tr.c.CheckMove("bob", "", tr.a, tr.notes, nil) {
		t.Error("bob should move a.txt into notes")
	}
	if tr.c.CheckMove("bob", "", tr.a, uuid.Nil, nil) {
		t.Error("only the owner may move to the root")
	}
	if !tr.c.CheckMove("alice", "", tr.a, uuid.Nil, nil) {
		t.Error("owner should move to the root")
	}
}

func TestChildrenAndSubtree(t *testing.T) {
	tr := newTree()
	kids := tr.c.Children(tr.docs)
	if len(kids) != 2 || kids[0].Name != "a.txt" || kids[1].Name != "inner" {
		t.Fatalf("Children() = %v", kids)
	}

	sub := tr.c.Subtree(tr.docs)
	if len(sub) != 4 {
		t.Errorf("Subtree() has %d documents, want 4", len(sub))
	}

	// deleting hides from children but keeps the document
	d := tr.c.docs[tr.a].Clone()
	d.Deleted = true
	tr.c.Put(d)
	if len(tr.c.Children(tr.docs)) != 1 {
		t.Error("deleted document still listed")
	}
	if _, ok := tr.c.Get(tr.a); !ok {
		t.Error("deleted document removed from catalog")
	}

	// moving updates the index
	b := tr.c.docs[tr.b].Clone()
	b.Parent = tr.notes
	tr.c.Put(b)
	if len(tr.c.Children(tr.inner)) != 0 || len(tr.c.Children(tr.notes)) != 1 {
		t.Error("children index not updated on move")
	}
	if anc := tr.c.Ancestors(tr.b); len(anc) != 1 || anc[0] != tr.notes {
		t.Errorf("Ancestors() = %v", anc)
	}
}

func TestSnapshotRestore(t *testing.T) {
	tr := newTree()
	r := Restore(tr.c.Snapshot())
	if r.Len() != tr.c.Len() {
		t.Fatalf("Len() = %d, want %d", r.Len(), tr.c.Len())
	}
	if len(r.Children(tr.docs)) != 2 {
		t.Error("children index not rebuilt")
	}
	// restored documents are independent copies
	r.docs[tr.a].SetACL(ACLEntry{Principal: "zed", Level: LevelRead})
	if tr.c.docs[tr.a].LevelFor("zed") != LevelNone {
		t.Error("restore shares ACL slices with the snapshot source")
	}
}

func TestACLEditing(t *testing.T) {
	d := &Document{Owner: "alice"}
	d.SetACL(ACLEntry{Principal: "carol", Level: LevelRead})
	d.SetACL(ACLEntry{Principal: "bob", Level: LevelRead})
	d.SetACL(ACLEntry{Principal: "bob", Level: LevelWrite})
	if len(d.ACL) != 2 || d.ACL[0].Principal != "bob" {
		t.Fatalf("ACL = %+v", d.ACL)
	}
	if d.LevelFor("bob") != LevelWrite {
		t.Error("bob should have write")
	}
	if !d.RemoveACL("bob") || d.RemoveACL("bob") {
		t.Error("RemoveACL() results wrong")
	}
	if d.LevelFor("alice") != LevelWrite {
		t.Error("owner should have write")
	}
}

func TestParseScopes(t *testing.T) {
	f := uuid.New()
	s, err := ParseScopes([]byte("scopes:\n  - user: alice\n    agent: bot\n    folders: [" + f.String() + "]\n"))
	if err != nil {
		t.Fatal(err)
	}
	set, ok := s.Allowed("alice", "bot")
	if !ok {
		t.Fatal("scope missing")
	}
	if _, ok := set[f]; !ok {
		t.Error("folder missing from scope")
	}
	if _, ok := s.Allowed("alice", "other"); ok {
		t.Error("unexpected scope for other agent")
	}

	if _, err := ParseScopes([]byte("scopes:\n  - user: alice\n")); !errors.Is(err, errs.InvalidOperation) {
		t.Errorf("ParseScopes() error = %v, want InvalidOperation", err)
	}
}

// writeAtomic replaces path by renaming a temporary file over it, so the
// watcher never observes a half written file.
func writeAtomic(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0640); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func TestScopeConfigWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scopes.yaml")
	f := uuid.New()

	cfg := NewScopeConfig(nil)
	if err := cfg.Load(path); err != nil {
		t.Fatalf("Load() of missing file error = %v", err)
	}
	if cfg.Current().Len() != 0 {
		t.Fatal("expected empty scopes")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cfg.Watch(ctx, path) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher a moment to register
	time.Sleep(50 * time.Millisecond)
	content := "scopes:\n  - user: alice\n    agent: bot\n    folders: [" + f.String() + "]\n"
	writeAtomic(t, path, content)

	deadline := time.Now().Add(5 * time.Second)
	for cfg.Current().Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("scope change not picked up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// an invalid file keeps the previous set
	writeAtomic(t, path, "scopes: [[[")
	time.Sleep(100 * time.Millisecond)
	if cfg.Current().Len() != 1 {
		t.Error("invalid file replaced the active scopes")
	}
}

func TestParseDocType(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want DocType
	}{{"", TypeText}, {"folder", TypeFolder}, {"indexGuide", TypeIndexGuide}} {
		got, err := ParseDocType(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseDocType(%q) = %v, %v", tt.in, got, err)
		}
	}
	if _, err := ParseDocType("binary"); !errors.Is(err, errs.InvalidOperation) {
		t.Errorf("ParseDocType(binary) error = %v", err)
	}
	if DocType(42).Valid() {
		t.Error("unknown type reported valid")
	}
}
