package blob

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/ctxhub/lib/errs"
)

var log = logger.GetLogger("blob")

// key prefixes
const (
	prefixBlob       byte = 'b'
	prefixCheckpoint byte = 'c'
)

// Config holds configuration for the store.
type Config struct {
	// Path is the directory for the database files. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in memory. Used in tests.
	InMemory bool
	// SyncWrites fsyncs every write.
	SyncWrites bool
	// GCInterval is how often value log garbage collection runs. 0 disables it.
	GCInterval time.Duration
	// GCDiscardRatio is the minimum garbage ratio of a value log file before
	// it is rewritten.
	GCDiscardRatio float64
}

// DefaultConfig returns the production defaults for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Checkpoint is a persisted shard snapshot. Seq is the WAL watermark: the
// snapshot reflects every record up to and including Seq. TS is the
// timestamp of that record.
type Checkpoint struct {
	Shard uint64
	Seq   uint64
	TS    int64
	Data  []byte
}

// CheckpointInfo describes a checkpoint without its data.
type CheckpointInfo struct {
	Seq  uint64 `json:"seq"`
	TS   int64  `json:"ts"`
	Size int    `json:"size"`
}

// Store keeps large WAL payloads and shard checkpoints in BadgerDB.
//
// Keys are laid out so that per-shard data is contiguous and ordered by
// sequence number:
//
//	b | shard | seq | document id  -> payload
//	c | shard | seq               -> ts | snapshot
//
// Thread-safety: All methods are safe for concurrent use.
type Store struct {
	db     *badger.DB
	stopCh chan struct{}
	doneCh chan struct{}
}

// Open opens the store.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errs.New(errs.CodeInvalidOperation, "blob store path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, errs.Wrap(errs.CodeIOFailure, err, fmt.Sprintf("create blob directory %s", cfg.Path))
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(logger.GetLogger("badger"))

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.Wrap(errs.CodeIOFailure, err, "open blob store")
	}

	s := &Store{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		go s.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.stopCh != nil {
		close(s.stopCh)
		<-s.doneCh
	}
	return s.db.Close()
}

func (s *Store) gcLoop(interval time.Duration, ratio float64) {
	defer close(s.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			// ErrNoRewrite only means there was nothing to collect
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				log.Warningf("value log gc failed: %v", err)
			}
		}
	}
}

// --------------------------------------------------------------------------
// Keys
// --------------------------------------------------------------------------

func shardPrefix(p byte, shard uint64) []byte {
	k := make([]byte, 9, 33)
	k[0] = p
	binary.BigEndian.PutUint64(k[1:], shard)
	return k
}

func blobKey(shard, seq uint64, doc uuid.UUID) []byte {
	k := binary.BigEndian.AppendUint64(shardPrefix(prefixBlob, shard), seq)
	return append(k, doc[:]...)
}

func checkpointKey(shard, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(shardPrefix(prefixCheckpoint, shard), seq)
}

// --------------------------------------------------------------------------
// Blobs
// --------------------------------------------------------------------------

// PutBlob stores the payload of WAL record seq of doc.
func (s *Store) PutBlob(shard, seq uint64, doc uuid.UUID, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blobKey(shard, seq, doc), data)
	})
	if err != nil {
		return errs.Wrap(errs.CodeIOFailure, err, "put blob")
	}
	return nil
}

// GetBlob loads a payload stored with PutBlob.
func (s *Store) GetBlob(shard, seq uint64, doc uuid.UUID) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(shard, seq, doc))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errs.Newf(errs.CodeNotFound, "blob %d/%d/%s", shard, seq, doc)
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeIOFailure, err, "get blob")
	}
	return out, nil
}

// DeleteBlobsBefore removes every blob of shard with a sequence below seq.
func (s *Store) DeleteBlobsBefore(shard, seq uint64) (int, error) {
	prefix := shardPrefix(prefixBlob, shard)
	limit := binary.BigEndian.AppendUint64(shardPrefix(prefixBlob, shard), seq)
	return s.deleteRange(prefix, limit)
}

// --------------------------------------------------------------------------
// Checkpoints
// --------------------------------------------------------------------------

// PutCheckpoint stores a snapshot of shard taken at WAL sequence seq.
func (s *Store) PutCheckpoint(cp Checkpoint) error {
	val := make([]byte, 8, 8+len(cp.Data))
	binary.BigEndian.PutUint64(val, uint64(cp.TS))
	val = append(val, cp.Data...)

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(cp.Shard, cp.Seq), val)
	})
	if err != nil {
		return errs.Wrap(errs.CodeIOFailure, err, "put checkpoint")
	}
	return nil
}

// LatestCheckpoint returns the newest checkpoint of shard.
func (s *Store) LatestCheckpoint(shard uint64) (Checkpoint, bool, error) {
	return s.findCheckpoint(shard, func(CheckpointInfo) bool { return true })
}

// CheckpointAt returns the newest checkpoint of shard whose timestamp is at
// or before ts. Timestamps are non-decreasing in sequence order, so the scan
// runs backwards from the newest checkpoint.
func (s *Store) CheckpointAt(shard uint64, ts int64) (Checkpoint, bool, error) {
	return s.findCheckpoint(shard, func(ci CheckpointInfo) bool { return ci.TS <= ts })
}

// CheckpointBefore returns the newest checkpoint of shard with a sequence at
// or below seq.
func (s *Store) CheckpointBefore(shard, seq uint64) (Checkpoint, bool, error) {
	return s.findCheckpoint(shard, func(ci CheckpointInfo) bool { return ci.Seq <= seq })
}

func (s *Store) findCheckpoint(shard uint64, match func(CheckpointInfo) bool) (Checkpoint, bool, error) {
	var cp Checkpoint
	found := false

	prefix := shardPrefix(prefixCheckpoint, shard)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// seek to the largest possible key of the prefix
		seek := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(val) < 8 {
				return errs.Newf(errs.CodeCorruption, "checkpoint value of %d bytes", len(val))
			}
			info := CheckpointInfo{
				Seq:  binary.BigEndian.Uint64(item.Key()[9:]),
				TS:   int64(binary.BigEndian.Uint64(val)),
				Size: len(val) - 8,
			}
			if match(info) {
				cp = Checkpoint{Shard: shard, Seq: info.Seq, TS: info.TS, Data: val[8:]}
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		if errs.CodeOf(err) == errs.CodeCorruption {
			return Checkpoint{}, false, err
		}
		return Checkpoint{}, false, errs.Wrap(errs.CodeIOFailure, err, "read checkpoint")
	}
	return cp, found, nil
}

// Checkpoints lists the checkpoints of shard, oldest first.
func (s *Store) Checkpoints(shard uint64) ([]CheckpointInfo, error) {
	var out []CheckpointInfo
	prefix := shardPrefix(prefixCheckpoint, shard)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var ts int64
			err := item.Value(func(val []byte) error {
				if len(val) < 8 {
					return errs.Newf(errs.CodeCorruption, "checkpoint value of %d bytes", len(val))
				}
				ts = int64(binary.BigEndian.Uint64(val))
				return nil
			})
			if err != nil {
				return err
			}
			out = append(out, CheckpointInfo{
				Seq:  binary.BigEndian.Uint64(item.Key()[9:]),
				TS:   ts,
				Size: int(item.ValueSize()) - 8,
			})
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeIOFailure, err, "list checkpoints")
	}
	return out, nil
}

// DeleteCheckpointsBefore removes every checkpoint of shard with a sequence
// below seq.
func (s *Store) DeleteCheckpointsBefore(shard, seq uint64) (int, error) {
	prefix := shardPrefix(prefixCheckpoint, shard)
	limit := binary.BigEndian.AppendUint64(shardPrefix(prefixCheckpoint, shard), seq)
	return s.deleteRange(prefix, limit)
}

// DeleteShard removes every blob and checkpoint of shard.
func (s *Store) DeleteShard(shard uint64) error {
	for _, p := range []byte{prefixBlob, prefixCheckpoint} {
		prefix := shardPrefix(p, shard)
		if err := s.db.DropPrefix(prefix); err != nil {
			return errs.Wrap(errs.CodeIOFailure, err, "drop shard data")
		}
	}
	return nil
}

// deleteRange deletes keys with the given prefix that sort below limit.
func (s *Store) deleteRange(prefix, limit []byte) (int, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			if string(k) >= string(limit) {
				break
			}
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return 0, errs.Wrap(errs.CodeIOFailure, err, "scan range")
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, errs.Wrap(errs.CodeIOFailure, err, "delete range")
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, errs.Wrap(errs.CodeIOFailure, err, "delete range")
	}
	return len(keys), nil
}
