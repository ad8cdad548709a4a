package hub_test

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/config"
	"github.com/ValentinKolb/ctxhub/lib/crdt"
	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/hub"
	"github.com/ValentinKolb/ctxhub/lib/router"
	"github.com/ValentinKolb/ctxhub/lib/timeline"
	"github.com/ValentinKolb/ctxhub/lib/util"
)

var shardIDs = []uint64{1, 2}

func testConfig(t *testing.T) *config.HubConfig {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.SyncWrites = false
	cfg.CheckpointInterval = 0
	cfg.SweepInterval = 50 * time.Millisecond
	return cfg
}

func start(t *testing.T, cfg *config.HubConfig) *hub.Hub {
	t.Helper()
	h, err := hub.Open(cfg)
	require.NoError(t, err)
	h.Start(context.Background())
	return h
}

func newHub(t *testing.T) *hub.Hub {
	t.Helper()
	h := start(t, testConfig(t))
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// userOn returns a principal whose documents live on shardID.
func userOn(t *testing.T, shardID uint64, prefix string) hub.Principal {
	t.Helper()
	for i := 0; i < 1000; i++ {
		name := fmt.Sprintf("%s-%d", prefix, i)
		if id, _ := util.PickShard(name, shardIDs); id == shardID {
			return hub.Principal{ID: name}
		}
	}
	t.Fatalf("no user hashes onto shard %d", shardID)
	return hub.Principal{}
}

func create(t *testing.T, h *hub.Hub, p hub.Principal, req hub.CreateRequest) uuid.UUID {
	t.Helper()
	id, err := h.Create(context.Background(), p, req)
	require.NoError(t, err)
	return id
}

func requireCode(t *testing.T, code errs.Code, err error) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, errs.CodeOf(err), "error: %v", err)
}

func flush(t *testing.T, h *hub.Hub) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Flush(ctx))
}

func TestCreateRead(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := userOn(t, 1, "alice")
	bob := userOn(t, 1, "bob")

	folder := create(t, h, alice, hub.CreateRequest{Name: "projects", Type: catalog.TypeFolder})
	doc := create(t, h, alice, hub.CreateRequest{Name: "a.txt", Content: "hello", Parent: folder})

	v, err := h.Read(ctx, alice, doc)
	require.NoError(t, err)
	require.Equal(t, "hello", v.Content)
	require.Equal(t, folder, v.Parent)
	require.Equal(t, uint64(1), v.Shard)
	require.True(t, v.Primary)
	require.Equal(t, catalog.TypeText, v.Type)

	_, err = h.Read(ctx, bob, doc)
	requireCode(t, errs.CodeAccessDenied, err)

	// unknown ids look exactly like foreign ones
	_, err = h.Read(ctx, alice, uuid.New())
	requireCode(t, errs.CodeAccessDenied, err)

	require.NoError(t, h.Grant(ctx, alice, doc, bob.ID, catalog.LevelRead))
	v, err = h.Read(ctx, bob, doc)
	require.NoError(t, err)
	require.Equal(t, alice.ID, v.Owner)
	require.Len(t, v.ACL, 1)
}

func TestCreateInForeignFolder(t *testing.T) {
	h := newHub(t)
	alice := userOn(t, 1, "alice")
	carol := userOn(t, 2, "carol")

	folder := create(t, h, alice, hub.CreateRequest{Name: "shared", Type: catalog.TypeFolder})

	_, err := h.Create(context.Background(), carol, hub.CreateRequest{Name: "x", Parent: folder})
	requireCode(t, errs.CodeAccessDenied, err)

	require.NoError(t, h.Grant(context.Background(), alice, folder, carol.ID, catalog.LevelWrite))
	_, err = h.Create(context.Background(), carol, hub.CreateRequest{Name: "x", Parent: folder})
	requireCode(t, errs.CodeInvalidOperation, err)
}

func TestUpdateVersions(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := userOn(t, 1, "alice")
	bob := userOn(t, 1, "bob")

	doc := create(t, h, alice, hub.CreateRequest{Name: "a.txt", Content: "v1"})

	v1, err := h.Update(ctx, alice, doc, "v2")
	require.NoError(t, err)
	v2, err := h.Update(ctx, alice, doc, "v3")
	require.NoError(t, err)
	require.Greater(t, v2, v1)

	// same content again changes nothing
	same, err := h.Update(ctx, alice, doc, "v3")
	require.NoError(t, err)
	require.Equal(t, v2, same)

	_, err = h.Update(ctx, bob, doc, "bob was here")
	requireCode(t, errs.CodeAccessDenied, err)

	require.NoError(t, h.Grant(ctx, alice, doc, bob.ID, catalog.LevelRead))
	_, err = h.Update(ctx, bob, doc, "bob was here")
	requireCode(t, errs.CodeAccessDenied, err)

	require.NoError(t, h.Grant(ctx, alice, doc, bob.ID, catalog.LevelWrite))
	v3, err := h.Update(ctx, bob, doc, "bob was here")
	require.NoError(t, err)
	require.Greater(t, v3, v2)

	v, err := h.Read(ctx, alice, doc)
	require.NoError(t, err)
	require.Equal(t, "bob was here", v.Content)
	require.Equal(t, v3, v.Version)
}

func TestMerge(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := userOn(t, 1, "alice")

	doc := create(t, h, alice, hub.CreateRequest{Name: "a.txt", Content: "base"})

	_, err := h.Merge(ctx, alice, doc, []byte("not a crdt state"))
	requireCode(t, errs.CodeInvalidMergeInput, err)

	// a remote replica that typed into an empty document
	_, ops := crdt.Create("remote", "!", 1)
	state, err := crdt.EncodeState(crdt.State{Ops: ops})
	require.NoError(t, err)

	res, err := h.Merge(ctx, alice, doc, state)
	require.NoError(t, err)
	require.False(t, res.Noop)

	v, err := h.Read(ctx, alice, doc)
	require.NoError(t, err)
	require.Contains(t, v.Content, "base")
	require.Contains(t, v.Content, "!")

	// merging the same state twice is idempotent
	res, err = h.Merge(ctx, alice, doc, state)
	require.NoError(t, err)
	require.True(t, res.Noop)
}

func TestMergeClockLimit(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := userOn(t, 1, "alice")

	doc := create(t, h, alice, hub.CreateRequest{Name: "a.txt", Content: "hello"})

	huge := []crdt.Op{{Kind: crdt.OpInsert, ID: crdt.OpID{Clock: math.MaxUint64, Replica: "client"}, Value: '!'}}
	state, err := crdt.EncodeState(crdt.State{Ops: huge})
	require.NoError(t, err)
	_, err = h.Merge(ctx, alice, doc, state)
	requireCode(t, errs.CodeInvalidMergeInput, err)

	_, err = h.Update(ctx, alice, doc, "hello world")
	require.NoError(t, err)
	v, err := h.Read(ctx, alice, doc)
	require.NoError(t, err)
	require.Equal(t, "hello world", v.Content)
}

func TestMoveAndRename(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := userOn(t, 1, "alice")
	carol := userOn(t, 2, "carol")

	a := create(t, h, alice, hub.CreateRequest{Name: "a", Type: catalog.TypeFolder})
	b := create(t, h, alice, hub.CreateRequest{Name: "b", Type: catalog.TypeFolder, Parent: a})
	doc := create(t, h, alice, hub.CreateRequest{Name: "doc.txt", Content: "x"})

	flush(t, h)
	before, err := h.Read(ctx, alice, a)
	require.NoError(t, err)
	s, err := h.Router().Shard(1)
	require.NoError(t, err)
	seq := s.Info().Seq

	requireCode(t, errs.CodeCycleDetected, h.Move(ctx, alice, a, b))
	requireCode(t, errs.CodeCycleDetected, h.Move(ctx, alice, a, a))

	after, err := h.Read(ctx, alice, a)
	require.NoError(t, err)
	require.Equal(t, before.Parent, after.Parent)
	require.Equal(t, before.Version, after.Version)
	require.Equal(t, seq, s.Info().Seq, "rejected moves must not reach the log")

	require.NoError(t, h.Move(ctx, alice, doc, b))
	v, err := h.Read(ctx, alice, doc)
	require.NoError(t, err)
	require.Equal(t, b, v.Parent)

	e, err := h.Router().Lookup(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, b, e.Parent)

	require.NoError(t, h.Rename(ctx, alice, doc, "renamed.txt"))
	e, err = h.Router().Lookup(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, "renamed.txt", e.Name)

	hits, err := h.FindByName(ctx, alice, "renamed", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, doc, hits[0].Doc)

	hits, err = h.FindByName(ctx, carol, "renamed", 10)
	require.NoError(t, err)
	require.Empty(t, hits)

	// folders of another shard are not a valid destination
	other := create(t, h, carol, hub.CreateRequest{Name: "c", Type: catalog.TypeFolder})
	requireCode(t, errs.CodeAccessDenied, h.Move(ctx, alice, doc, other))
	require.NoError(t, h.Grant(ctx, carol, other, alice.ID, catalog.LevelWrite))
	requireCode(t, errs.CodeInvalidOperation, h.Move(ctx, alice, doc, other))
}

func TestDeleteSubtree(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := userOn(t, 1, "alice")

	folder := create(t, h, alice, hub.CreateRequest{Name: "old", Type: catalog.TypeFolder})
	doc := create(t, h, alice, hub.CreateRequest{Name: "a.txt", Content: "obsolete plans", Parent: folder})
	flush(t, h)

	hits, err := h.Search(ctx, alice, "obsolete", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	require.NoError(t, h.Delete(ctx, alice, folder))
	flush(t, h)

	_, err = h.Read(ctx, alice, doc)
	requireCode(t, errs.CodeNotFound, err)

	e, err := h.Router().Lookup(ctx, doc)
	require.NoError(t, err)
	require.True(t, e.Deleted)

	hits, err = h.Search(ctx, alice, "obsolete", 10)
	require.NoError(t, err)
	require.Empty(t, hits)

	// deleting twice is a no-op
	require.NoError(t, h.Delete(ctx, alice, folder))
}

func TestAgentScope(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := userOn(t, 1, "alice")
	bot := hub.Principal{ID: alice.ID, Agent: "assistant"}

	allowed := create(t, h, alice, hub.CreateRequest{Name: "work", Type: catalog.TypeFolder})
	inside := create(t, h, alice, hub.CreateRequest{Name: "plan.txt", Content: "quarterly plan", Parent: allowed})
	outside := create(t, h, alice, hub.CreateRequest{Name: "diary.txt", Content: "private plan"})

	h.Scopes().Set(catalog.NewScopes(catalog.ScopeRule{User: alice.ID, Agent: "assistant", Folders: []uuid.UUID{allowed}}))
	flush(t, h)

	_, err := h.Read(ctx, bot, inside)
	require.NoError(t, err)
	_, err = h.Read(ctx, bot, outside)
	requireCode(t, errs.CodeAccessDenied, err)
	_, err = h.Update(ctx, bot, outside, "changed")
	requireCode(t, errs.CodeAccessDenied, err)

	// the user without agent is not restricted
	_, err = h.Read(ctx, alice, outside)
	require.NoError(t, err)

	hits, err := h.Search(ctx, bot, "plan", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, inside, hits[0].ID)

	hits, err = h.Search(ctx, alice, "plan", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
}

func TestIndexGuide(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := userOn(t, 1, "alice")
	bob := userOn(t, 1, "bob")

	folder := create(t, h, alice, hub.CreateRequest{Name: "docs", Type: catalog.TypeFolder})
	create(t, h, alice, hub.CreateRequest{Name: "b.txt", Content: "b", Parent: folder})
	a := create(t, h, alice, hub.CreateRequest{Name: "a.txt", Content: "a", Parent: folder})
	create(t, h, alice, hub.CreateRequest{Name: "sub", Type: catalog.TypeFolder, Parent: folder})

	guide, err := h.GetIndexGuide(ctx, alice, folder)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(guide, "# docs\n"))
	require.Contains(t, guide, "1 folders, 2 documents.")
	require.Contains(t, guide, "- sub/")
	require.Less(t, strings.Index(guide, "- a.txt"), strings.Index(guide, "- b.txt"))
	require.NotContains(t, guide, hub.GuideName)

	require.NoError(t, h.Rename(ctx, alice, a, "c.txt"))
	guide, err = h.GetIndexGuide(ctx, alice, folder)
	require.NoError(t, err)
	require.Contains(t, guide, "- c.txt")
	require.NotContains(t, guide, "- a.txt")

	// content edits do not touch the guide
	_, err = h.Update(ctx, alice, a, "changed")
	require.NoError(t, err)
	again, err := h.GetIndexGuide(ctx, alice, folder)
	require.NoError(t, err)
	require.Equal(t, guide, again)

	_, err = h.GetIndexGuide(ctx, bob, folder)
	requireCode(t, errs.CodeAccessDenied, err)
	_, err = h.GetIndexGuide(ctx, alice, a)
	requireCode(t, errs.CodeInvalidOperation, err)
}

func TestSearchDoesNotLeak(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := userOn(t, 1, "alice")
	bob := userOn(t, 2, "bob")

	doc := create(t, h, alice, hub.CreateRequest{Name: "strategy.md", Content: "the secret roadmap for next year"})
	create(t, h, bob, hub.CreateRequest{Name: "groceries.md", Content: "a roadmap to the market"})
	flush(t, h)

	hits, err := h.Search(ctx, bob, "roadmap", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, bob.ID, hits[0].Owner)

	require.NoError(t, h.Grant(ctx, alice, doc, bob.ID, catalog.LevelRead))
	hits, err = h.Search(ctx, bob, "roadmap", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	// takes effect without waiting for the index
	require.NoError(t, h.Revoke(ctx, alice, doc, bob.ID))
	hits, err = h.Search(ctx, bob, "secret", 10)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestShareCrossShard(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := userOn(t, 1, "alice")
	carol := userOn(t, 2, "carol")

	doc := create(t, h, alice, hub.CreateRequest{Name: "proposal.md", Content: "draft"})

	pl, err := h.Share(ctx, alice, doc, carol.ID, catalog.LevelRead)
	require.NoError(t, err)
	require.Equal(t, uint64(2), pl.Shard)
	require.False(t, pl.Primary)

	replica := func() *hub.DocumentView {
		v, err := h.ReadReplica(ctx, carol, doc)
		require.NoError(t, err)
		return v
	}
	require.Eventually(t, func() bool {
		v := replica()
		return !v.Primary && !v.Stale && v.Content == "draft"
	}, 5*time.Second, 10*time.Millisecond)

	v := replica()
	require.Equal(t, uint64(2), v.Shard)
	require.Equal(t, alice.ID, v.Owner)

	_, err = h.Update(ctx, alice, doc, "final")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v := replica()
		return !v.Stale && v.Content == "final"
	}, 5*time.Second, 10*time.Millisecond)

	placements, err := h.Placements(ctx, carol, doc)
	require.NoError(t, err)
	require.Len(t, placements, 2)

	// copies are read-only
	_, err = h.Update(ctx, carol, doc, "carol")
	requireCode(t, errs.CodeAccessDenied, err)

	// without a copy on the own shard the primary is read
	dave := userOn(t, 1, "dave")
	require.NoError(t, h.Grant(ctx, alice, doc, dave.ID, catalog.LevelRead))
	v, err = h.ReadReplica(ctx, dave, doc)
	require.NoError(t, err)
	require.True(t, v.Primary)
}

func TestGetState(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := userOn(t, 1, "alice")
	bob := userOn(t, 1, "bob")

	doc := create(t, h, alice, hub.CreateRequest{Name: "a.txt", Content: "v1"})
	time.Sleep(2 * time.Millisecond)
	ts := time.Now().UnixNano()
	time.Sleep(2 * time.Millisecond)
	_, err := h.Update(ctx, alice, doc, "v2")
	require.NoError(t, err)

	view, err := h.GetState(ctx, alice, timeline.Scope{Doc: doc}, ts)
	require.NoError(t, err)
	require.Len(t, view.Docs, 1)
	require.Equal(t, "v1", view.Docs[0].Content)
	require.Equal(t, "a.txt", view.Docs[0].Name)

	view, err = h.GetState(ctx, alice, timeline.Scope{Doc: doc}, time.Now().UnixNano())
	require.NoError(t, err)
	require.Equal(t, "v2", view.Docs[0].Content)

	_, err = h.GetState(ctx, bob, timeline.Scope{Doc: doc}, ts)
	requireCode(t, errs.CodeAccessDenied, err)

	// the whole shard as alice saw it
	view, err = h.GetState(ctx, alice, timeline.Scope{Subtree: true}, ts)
	require.NoError(t, err)
	require.Len(t, view.Docs, 1)
}

func TestGetChanges(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := userOn(t, 1, "alice")
	bob := userOn(t, 1, "bob")

	mine := create(t, h, bob, hub.CreateRequest{Name: "bob.txt", Content: "b"})
	theirs := create(t, h, alice, hub.CreateRequest{Name: "alice.txt", Content: "a"})

	collect := func() map[uuid.UUID]int {
		out := make(map[uuid.UUID]int)
		for ch, err := range h.GetChanges(ctx, bob, 1, 0) {
			require.NoError(t, err)
			out[ch.Doc]++
		}
		return out
	}
	seen := collect()
	require.Equal(t, 1, seen[mine])
	require.Zero(t, seen[theirs])

	require.NoError(t, h.Grant(ctx, alice, theirs, bob.ID, catalog.LevelRead))
	seen = collect()
	require.Equal(t, 2, seen[theirs]) // create and grant

	for _, err := range h.GetChanges(ctx, bob, 99, 0) {
		requireCode(t, errs.CodeNotFound, err)
	}
}

func TestSubscribe(t *testing.T) {
	h := newHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alice := userOn(t, 1, "alice")
	bob := userOn(t, 1, "bob")

	folder := create(t, h, alice, hub.CreateRequest{Name: "inbox", Type: catalog.TypeFolder})

	_, err := h.Subscribe(ctx, bob, timeline.Scope{Doc: folder, Subtree: true}, 0)
	requireCode(t, errs.CodeAccessDenied, err)

	sub, err := h.Subscribe(ctx, alice, timeline.Scope{Doc: folder, Subtree: true}, 0)
	require.NoError(t, err)
	defer sub.Close()

	doc := create(t, h, alice, hub.CreateRequest{Name: "new.txt", Content: "hi", Parent: folder})
	for {
		select {
		case ch := <-sub.Changes():
			if ch.Doc == doc {
				return
			}
		case <-ctx.Done():
			t.Fatal("no change delivered")
		}
	}
}

func TestCompact(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := userOn(t, 1, "alice")

	keep := create(t, h, alice, hub.CreateRequest{Name: "keep.txt", Content: "stays"})
	gone := create(t, h, alice, hub.CreateRequest{Name: "gone.txt", Content: "goes"})
	require.NoError(t, h.Delete(ctx, alice, gone))

	reports, err := h.Compact(ctx, time.Now().Add(time.Second).UnixNano())
	require.NoError(t, err)
	require.Contains(t, reports[1].Purged, gone)
	require.NotContains(t, reports[1].Purged, keep)

	_, err = h.Router().Lookup(ctx, gone)
	requireCode(t, errs.CodeNotFound, err)
	_, err = h.Read(ctx, alice, gone)
	requireCode(t, errs.CodeAccessDenied, err)

	v, err := h.Read(ctx, alice, keep)
	require.NoError(t, err)
	require.Equal(t, "stays", v.Content)
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	alice := userOn(t, 1, "alice")

	h := start(t, cfg)
	doc := create(t, h, alice, hub.CreateRequest{Name: "persist.txt", Content: "durable words"})
	_, err := h.Checkpoint(ctx)
	require.NoError(t, err)
	_, err = h.Update(ctx, alice, doc, "durable words, edited")
	require.NoError(t, err)
	require.NoError(t, h.Close())

	h = start(t, cfg)
	defer h.Close()
	flush(t, h)

	v, err := h.Read(ctx, alice, doc)
	require.NoError(t, err)
	require.Equal(t, "durable words, edited", v.Content)

	hits, err := h.Search(ctx, alice, "edited", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	info, err := h.Info(ctx)
	require.NoError(t, err)
	require.Len(t, info.Shards, 2)
	require.Equal(t, 1, info.Indexed)
	require.Equal(t, 1, info.Assignments[1])
}

func TestInfoOwnership(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := userOn(t, 1, "alice")
	carol := userOn(t, 2, "carol")

	create(t, h, alice, hub.CreateRequest{Name: "alpha", Content: "a"})
	create(t, h, carol, hub.CreateRequest{Name: "gamma", Content: "c"})

	info, err := h.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, map[uint64]int{1: 1, 2: 1}, info.Assignments)

	var entries []router.Entry
	for _, name := range []string{"alpha", "gamma"} {
		hits, err := h.Router().FindByName(ctx, name, 10, 0)
		require.NoError(t, err)
		entries = append(entries, hits...)
	}
	require.Len(t, entries, 2)
}

func TestFindByNamePagesPastUnreadable(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := userOn(t, 1, "alice")
	carol := userOn(t, 2, "carol")

	for i := range 150 {
		create(t, h, carol, hub.CreateRequest{Name: fmt.Sprintf("quarterly report %03d", i)})
	}
	mine := map[uuid.UUID]bool{
		create(t, h, alice, hub.CreateRequest{Name: "quarterly report alice"}):  true,
		create(t, h, alice, hub.CreateRequest{Name: "quarterly report alice2"}): true,
	}

	hits, err := h.FindByName(ctx, alice, "quarterly", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, e := range hits {
		require.True(t, mine[e.Doc], "hit %s (%s) is not readable by alice", e.Doc, e.Name)
	}

	hits, err = h.FindByName(ctx, carol, "quarterly", 200)
	require.NoError(t, err)
	require.Len(t, hits, 150)
}
