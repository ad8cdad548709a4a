package blob

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/errs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBlobs(t *testing.T) {
	s := openTestStore(t)
	doc := uuid.New()

	if err := s.PutBlob(1, 10, doc, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetBlob(1, 10, doc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Errorf("GetBlob() = %q", got)
	}

	if _, err := s.GetBlob(2, 10, doc); !errors.Is(err, errs.NotFound) {
		t.Errorf("GetBlob() on other shard error = %v, want NotFound", err)
	}

	for seq := uint64(11); seq < 15; seq++ {
		if err := s.PutBlob(1, seq, doc, []byte{byte(seq)}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.DeleteBlobsBefore(1, 13)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("DeleteBlobsBefore() removed %d, want 3", n)
	}
	if _, err := s.GetBlob(1, 12, doc); !errors.Is(err, errs.NotFound) {
		t.Errorf("blob 12 should be gone, error = %v", err)
	}
	if _, err := s.GetBlob(1, 13, doc); err != nil {
		t.Errorf("blob 13 should remain, error = %v", err)
	}
}

func TestCheckpoints(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.LatestCheckpoint(1); err != nil || ok {
		t.Fatalf("LatestCheckpoint() on empty store = %v, %v", ok, err)
	}

	cps := []Checkpoint{
		{Shard: 1, Seq: 10, TS: 100, Data: []byte("a")},
		{Shard: 1, Seq: 20, TS: 200, Data: []byte("b")},
		{Shard: 1, Seq: 300, TS: 300, Data: []byte("c")},
		{Shard: 2, Seq: 5, TS: 50, Data: []byte("other")},
	}
	for _, cp := range cps {
		if err := s.PutCheckpoint(cp); err != nil {
			t.Fatal(err)
		}
	}

	latest, ok, err := s.LatestCheckpoint(1)
	if err != nil || !ok {
		t.Fatalf("LatestCheckpoint() = %v, %v", ok, err)
	}
	if latest.Seq != 300 || string(latest.Data) != "c" {
		t.Errorf("LatestCheckpoint() = %+v", latest)
	}

	tests := []struct {
		ts      int64
		wantSeq uint64
		wantOK  bool
	}{
		{50, 0, false},
		{100, 10, true},
		{250, 20, true},
		{1000, 300, true},
	}
	for _, tt := range tests {
		cp, ok, err := s.CheckpointAt(1, tt.ts)
		if err != nil {
			t.Fatal(err)
		}
		if ok != tt.wantOK || cp.Seq != tt.wantSeq {
			t.Errorf("CheckpointAt(%d) = seq %d ok %v, want seq %d ok %v", tt.ts, cp.Seq, ok, tt.wantSeq, tt.wantOK)
		}
	}

	if cp, ok, _ := s.CheckpointBefore(1, 25); !ok || cp.Seq != 20 {
		t.Errorf("CheckpointBefore(25) = %d %v", cp.Seq, ok)
	}

	infos, err := s.Checkpoints(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 3 || infos[0].Seq != 10 || infos[2].Seq != 300 {
		t.Errorf("Checkpoints() = %+v", infos)
	}

	if n, err := s.DeleteCheckpointsBefore(1, 300); err != nil || n != 2 {
		t.Errorf("DeleteCheckpointsBefore() = %d, %v", n, err)
	}
	if cp, ok, _ := s.CheckpointAt(1, 150); ok {
		t.Errorf("CheckpointAt(150) after prune = %+v", cp)
	}
	if cp, ok, _ := s.LatestCheckpoint(2); !ok || cp.Seq != 5 {
		t.Errorf("other shard affected: %+v %v", cp, ok)
	}
}
