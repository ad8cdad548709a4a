package dshard

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/config"
	sm "github.com/lni/dragonboat/v4/statemachine"

	"github.com/ValentinKolb/ctxhub/lib/blob"
	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/shard"
	"github.com/ValentinKolb/ctxhub/lib/shard/dshard/internal"
	"github.com/ValentinKolb/ctxhub/lib/shard/shardtest"
)

func freeAddress(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().String()
}

func nodeHostConfig(dir, addr string) config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:         filepath.Join(dir, "raft"),
		NodeHostDir:    filepath.Join(dir, "raft"),
		RTTMillisecond: 5,
		RaftAddress:    addr,
	}
}

func replicaConfig(shardID uint64) config.Config {
	return config.Config{
		ReplicaID:    1,
		ShardID:      shardID,
		ElectionRTT:  10,
		HeartbeatRTT: 1,
		CheckQuorum:  true,
	}
}

// startNode starts a single member node host.
func startNode(t *testing.T) (*dragonboat.NodeHost, string) {
	t.Helper()
	addr := freeAddress(t)
	nh, err := dragonboat.NewNodeHost(nodeHostConfig(t.TempDir(), addr))
	if err != nil {
		t.Fatalf("NewNodeHost() error = %v", err)
	}
	t.Cleanup(nh.Close)
	return nh, addr
}

func waitForLeader(t testing.TB, nh *dragonboat.NodeHost, shardID uint64) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, ok, err := nh.GetLeaderID(shardID); err == nil && ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("shard %d elected no leader", shardID)
}

func Test(t *testing.T) {
	nh, addr := startNode(t)
	reg := NewRegistry()
	dataDir := t.TempDir()

	blobs, err := blob.Open(blob.InMemoryConfig())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = blobs.Close() })

	open := func(shardID, replicaID uint64) (*shard.Shard, error) {
		return shard.Open(shard.Options{
			ID:    shardID,
			Dir:   filepath.Join(dataDir, strconv.FormatUint(shardID, 10)),
			Blobs: blobs,
		})
	}

	var nextID atomic.Uint64
	shardtest.RunShardTests(t, "ReplicatedShard", func(t testing.TB) shard.IShard {
		shardID := nextID.Add(1)
		err := nh.StartOnDiskReplica(
			map[uint64]dragonboat.Target{1: addr},
			false,
			CreateStateMachineFactory(reg, open),
			replicaConfig(shardID),
		)
		if err != nil {
			t.Fatalf("StartOnDiskReplica() error = %v", err)
		}
		waitForLeader(t, nh, shardID)

		s := NewStore(nh, shardID, 5*time.Second, reg, nil)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

// newStateMachine opens a state machine outside of dragonboat.
func newStateMachine(t *testing.T, shardID uint64) *StateMachine {
	t.Helper()
	blobs, err := blob.Open(blob.InMemoryConfig())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = blobs.Close() })
	dir := t.TempDir()
	factory := CreateStateMachineFactory(NewRegistry(), func(shardID, _ uint64) (*shard.Shard, error) {
		return shard.Open(shard.Options{ID: shardID, Dir: dir, Blobs: blobs})
	})
	fsm := factory(shardID, 1).(*StateMachine)
	if _, err := fsm.Open(nil); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return fsm
}

func commitEntry(t *testing.T, index uint64, op *shard.Op) sm.Entry {
	t.Helper()
	payload, err := shard.EncodeOp(op)
	if err != nil {
		t.Fatal(err)
	}
	cmd := internal.Command{Type: internal.CommandTCommit, TS: int64(1000 + index), Payload: payload}
	return sm.Entry{Index: index, Cmd: cmd.Serialize()}
}

func TestSnapshotRoundTrip(t *testing.T) {
	doc := uuid.UUID{1}

	src := newStateMachine(t, 7)
	defer src.Close()
	if _, err := src.local.CommitAt(&shard.Op{
		Kind: shard.OpCreate, Actor: shard.Actor{Principal: "alice"}, Doc: doc,
		Name: "doc", Type: catalog.TypeText, Text: ptr("replicated"), Index: 3,
	}, 1000); err != nil {
		t.Fatal(err)
	}
	src.local.Acknowledge(5)

	snap, err := src.PrepareSnapshot()
	if err != nil {
		t.Fatalf("PrepareSnapshot() error = %v", err)
	}
	var buf bytes.Buffer
	if err := src.SaveSnapshot(snap, &buf, nil); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	dst := newStateMachine(t, 7)
	defer dst.Close()
	if err := dst.RecoverFromSnapshot(&buf, nil); err != nil {
		t.Fatalf("RecoverFromSnapshot() error = %v", err)
	}
	err = dst.local.View(func(st *shard.State) error {
		if got := st.Text(doc); got != "replicated" {
			t.Errorf("Text() after recovery = %q", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if info := dst.local.Info(); info.Seq != 1 || info.FirstRetained != 2 {
		t.Errorf("Info() after recovery = %+v, want seq 1 and log restarting at 2", info)
	}
	if got := dst.local.Applied(); got != 5 {
		t.Errorf("Applied() after recovery = %d, want 5", got)
	}
}

func TestUpdateRejectsAndHalts(t *testing.T) {
	fsm := newStateMachine(t, 3)
	doc := uuid.New()

	entries := []sm.Entry{
		commitEntry(t, 1, &shard.Op{
			Kind: shard.OpCreate, Actor: shard.Actor{Principal: "alice"}, Doc: doc,
			Name: "doc", Type: catalog.TypeText, Text: ptr("x"),
		}),
		// bob may not write alice's document
		commitEntry(t, 2, &shard.Op{Kind: shard.OpRename, Actor: shard.Actor{Principal: "bob"}, Doc: doc, Name: "y"}),
	}
	out, err := fsm.Update(entries)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if out[0].Result.Value != uint64(errs.CodeOK) {
		t.Errorf("create result = %d (%s)", out[0].Result.Value, out[0].Result.Data)
	}
	if out[1].Result.Value == uint64(errs.CodeOK) {
		t.Errorf("rename by bob was accepted")
	}
	if got := fsm.local.Applied(); got != 2 {
		t.Errorf("Applied() = %d, want 2", got)
	}

	// a local failure must not be turned into an entry result
	if err := fsm.local.Close(); err != nil {
		t.Fatal(err)
	}
	_, err = fsm.Update([]sm.Entry{
		commitEntry(t, 3, &shard.Op{Kind: shard.OpRename, Actor: shard.Actor{Principal: "alice"}, Doc: doc, Name: "z"}),
	})
	if errs.CodeOf(err) != errs.CodeIOFailure {
		t.Errorf("Update() on closed engine error = %v, want IOFailure", err)
	}
}

// TestRestartDoesNotReapply restarts a replica and checks that the local
// engine is not handed entries it already logged.
func TestRestartDoesNotReapply(t *testing.T) {
	const shardID = 1
	dir := t.TempDir()
	dataDir := t.TempDir()
	addr := freeAddress(t)

	blobs, err := blob.Open(blob.InMemoryConfig())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = blobs.Close() })
	open := func(shardID, _ uint64) (*shard.Shard, error) {
		return shard.Open(shard.Options{ID: shardID, Dir: dataDir, Blobs: blobs})
	}

	start := func() (*dragonboat.NodeHost, *Store) {
		nh, err := dragonboat.NewNodeHost(nodeHostConfig(dir, addr))
		if err != nil {
			t.Fatalf("NewNodeHost() error = %v", err)
		}
		reg := NewRegistry()
		err = nh.StartOnDiskReplica(map[uint64]dragonboat.Target{1: addr}, false,
			CreateStateMachineFactory(reg, open), replicaConfig(shardID))
		if err != nil {
			nh.Close()
			t.Fatalf("StartOnDiskReplica() error = %v", err)
		}
		waitForLeader(t, nh, shardID)
		return nh, NewStore(nh, shardID, 5*time.Second, reg, nil)
	}

	ctx := context.Background()
	alice := shard.Actor{Principal: "alice"}
	folder, doc := uuid.New(), uuid.New()

	nh, s := start()
	for _, op := range []*shard.Op{
		{Kind: shard.OpCreate, Actor: alice, Doc: folder, Name: "f", Type: catalog.TypeFolder},
		{Kind: shard.OpCreate, Actor: alice, Doc: doc, Name: "doc", Type: catalog.TypeText, Text: ptr("v1")},
		{Kind: shard.OpMove, Actor: alice, Doc: doc, Parent: folder},
		{Kind: shard.OpRename, Actor: alice, Doc: doc, Name: "renamed"},
		{Kind: shard.OpGrant, Actor: alice, Doc: doc, Principal: "bob", Level: catalog.LevelRead},
	} {
		if _, err := s.Commit(ctx, op); err != nil {
			nh.Close()
			t.Fatalf("Commit(%s) error = %v", op.Kind, err)
		}
	}
	before := s.Info()
	var version uint64
	_ = s.View(func(st *shard.State) error {
		d, _ := st.Catalog.Get(doc)
		version = d.Version
		return nil
	})
	_ = s.Close()
	nh.Close()

	nh, s = start()
	defer nh.Close()
	defer s.Close()

	after := s.Info()
	if after.Seq != before.Seq || after.Applied < before.Applied {
		t.Fatalf("after restart seq %d applied %d, want seq %d applied >= %d",
			after.Seq, after.Applied, before.Seq, before.Applied)
	}
	err = s.View(func(st *shard.State) error {
		d, ok := st.Catalog.Get(doc)
		if !ok || d.Version != version || d.Name != "renamed" || d.Parent != folder {
			t.Errorf("document after restart = %+v, want version %d", d, version)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.Commit(ctx, &shard.Op{Kind: shard.OpRename, Actor: alice, Doc: doc, Name: "again"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Seq != before.Seq+1 {
		t.Errorf("next commit got seq %d, want %d", res.Seq, before.Seq+1)
	}
}

func ptr(s string) *string { return &s }
