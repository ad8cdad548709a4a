package shard

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/ValentinKolb/ctxhub/lib/errs"
)

// appliedFile holds the raft index up to which a replicated shard processed
// entries, including entries that were rejected and left no WAL record.
const appliedFile = "applied"

func readApplied(dir string) (uint64, error) {
	b, err := os.ReadFile(filepath.Join(dir, appliedFile))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrap(errs.CodeIOFailure, err, "read applied index")
	}
	if len(b) != 8 {
		return 0, errs.Newf(errs.CodeCorruption, "applied index file has %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func writeApplied(dir string, index uint64) error {
	tmp := filepath.Join(dir, appliedFile+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return errs.Wrap(errs.CodeIOFailure, err, "write applied index")
	}
	_, err = f.Write(binary.BigEndian.AppendUint64(nil, index))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, filepath.Join(dir, appliedFile))
	}
	if err != nil {
		return errs.Wrap(errs.CodeIOFailure, err, "write applied index")
	}
	return nil
}

// Applied returns the raft index up to which entries are reflected in the
// state. Records carry the index of their entry, Acknowledge covers entries
// that left no record.
func (s *Shard) Applied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return max(s.state.Applied, s.acked)
}

// Acknowledge records that the raft entry at index was processed. It is
// made durable by SyncApplied.
func (s *Shard) Acknowledge(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = max(s.acked, index)
}

// SyncApplied flushes the WAL and then persists the acknowledged index, so
// that the persisted index never runs ahead of the durable records.
func (s *Shard) SyncApplied() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.Newf(errs.CodeIOFailure, "shard %d is closed", s.opts.ID)
	}
	if err := s.log.Sync(); err != nil {
		return err
	}
	if s.acked <= s.ackedSynced {
		return nil
	}
	if err := writeApplied(s.opts.Dir, s.acked); err != nil {
		return err
	}
	s.ackedSynced = s.acked
	return nil
}

// EncodeSnapshot encodes the current state for a raft snapshot. Its Applied
// index includes acknowledged entries.
func (s *Shard) EncodeSnapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := *s.state
	st.Applied = max(st.Applied, s.acked)
	return EncodeState(&st)
}
