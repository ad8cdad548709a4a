package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/ctxhub/lib/errs"
)

var log = logger.GetLogger("wal")

var (
	appendsTotal  = metrics.NewCounter("ctxhub_wal_appends_total")
	appendBytes   = metrics.NewCounter("ctxhub_wal_bytes_total")
	appendErrors  = metrics.NewCounter("ctxhub_wal_append_errors_total")
	tornTails     = metrics.NewCounter("ctxhub_wal_torn_tails_total")
	fsyncDuration = metrics.NewHistogram("ctxhub_wal_fsync_duration_seconds")
)

const segmentExt = ".wal"

// BlobStore keeps payloads that are too large to be stored inline.
type BlobStore interface {
	PutBlob(shard, seq uint64, doc uuid.UUID, data []byte) error
	GetBlob(shard, seq uint64, doc uuid.UUID) ([]byte, error)
}

// Options configures a Log.
type Options struct {
	// Dir holds the segment files of one shard.
	Dir string
	// Shard is stamped on every record read back.
	Shard uint64
	// SyncWrites fsyncs after every append.
	SyncWrites bool
	// SegmentSize is the size at which a new segment file is started.
	SegmentSize int64
	// BlobThreshold is the payload size above which payloads are moved to
	// Blobs. 0 disables offloading.
	BlobThreshold int
	// Blobs stores offloaded payloads. May be nil if BlobThreshold is 0.
	Blobs BlobStore
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// segment is one file of the log.
type segment struct {
	first uint64 // sequence of the first record in the file
	path  string
	size  int64
}

// SegmentInfo describes a segment file.
type SegmentInfo struct {
	First uint64 `json:"first"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
}

// Log is the write-ahead log of one shard.
//
// Records are appended to segment files named after the sequence of their
// first record. Appends are serialized by an internal mutex. Reads work on a
// consistent prefix: a reader only sees records whose append had returned
// when the read started.
type Log struct {
	mu       sync.Mutex
	opts     Options
	segments []segment
	active   *os.File
	next     uint64 // sequence of the next append
	lastTS   int64
	failed   error // sticky error, appends are refused while set
	closed   bool
	buf      []byte
}

// Open opens the log in opts.Dir, creating it if needed.
//
// The last segment is scanned to find the next sequence number. An
// incomplete frame at its end is a write that never returned successfully
// and is truncated. A complete frame that fails validation is corruption:
// Open then returns the log together with a Corruption error. The returned
// log is readable up to the corruption but refuses appends.
func Open(opts Options) (*Log, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = 64 << 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BlobThreshold > 0 && opts.Blobs == nil {
		return nil, errs.New(errs.CodeInvalidOperation, "blob threshold set without blob store")
	}
	if err := os.MkdirAll(opts.Dir, 0750); err != nil {
		return nil, errs.Wrap(errs.CodeIOFailure, err, "create wal directory")
	}

	segments, err := listSegments(opts.Dir)
	if err != nil {
		return nil, err
	}

	l := &Log{opts: opts, segments: segments, next: 1}
	if len(segments) == 0 {
		if err := l.startSegment(1); err != nil {
			return nil, err
		}
		return l, nil
	}

	last := &l.segments[len(l.segments)-1]
	next, lastTS, good, scanErr := scanSegment(last.path, last.first)
	l.next, l.lastTS = next, lastTS

	if errors.Is(scanErr, errTorn) {
		log.Warningf("shard %d: truncating torn record at %s offset %d", opts.Shard, filepath.Base(last.path), good)
		tornTails.Inc()
		if err := os.Truncate(last.path, good); err != nil {
			return nil, errs.Wrap(errs.CodeIOFailure, err, "truncate torn tail")
		}
		scanErr = nil
	}
	last.size = good

	// an empty last segment after the first one carries no record to anchor
	// lastTS, look at the previous one
	if l.lastTS == 0 && len(l.segments) > 1 {
		prev := l.segments[len(l.segments)-2]
		_, ts, _, err := scanSegment(prev.path, prev.first)
		if err == nil {
			l.lastTS = ts
		}
	}

	l.active, err = os.OpenFile(last.path, os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, errs.Wrap(errs.CodeIOFailure, err, "open active segment")
	}

	if scanErr != nil {
		l.failed = scanErr
		log.Errorf("shard %d: wal corrupted, log is read-only: %v", opts.Shard, scanErr)
		return l, scanErr
	}
	return l, nil
}

// listSegments returns the segment files of dir sorted by first sequence.
func listSegments(dir string) ([]segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Wrap(errs.CodeIOFailure, err, "list wal directory")
	}
	var out []segment
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		first, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 64)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, errs.Wrap(errs.CodeIOFailure, err, "stat segment")
		}
		out = append(out, segment{first: first, path: filepath.Join(dir, name), size: info.Size()})
	}
	slices.SortFunc(out, func(a, b segment) int {
		switch {
		case a.first < b.first:
			return -1
		case a.first > b.first:
			return 1
		}
		return 0
	})
	return out, nil
}

func segmentName(first uint64) string {
	return fmt.Sprintf("%020d%s", first, segmentExt)
}

// scanSegment validates a segment and returns the sequence after its last
// record, the timestamp of the last record and the offset after the last
// valid frame.
func scanSegment(path string, first uint64) (next uint64, lastTS int64, good int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return first, 0, 0, errs.Wrap(errs.CodeIOFailure, err, "open segment")
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	next = first
	for {
		fr, err := readFrame(r, good)
		if err == io.EOF {
			return next, lastTS, good, nil
		}
		if err != nil {
			return next, lastTS, good, err
		}
		if fr.Seq != next {
			return next, lastTS, good, errs.Newf(errs.CodeCorruption,
				"%s: expected seq %d, found %d", filepath.Base(path), next, fr.Seq)
		}
		next++
		lastTS = fr.TS
		good += fr.size
	}
}

// startSegment creates a new active segment whose first record is first.
// Caller must hold the lock or have exclusive access.
func (l *Log) startSegment(first uint64) error {
	path := filepath.Join(l.opts.Dir, segmentName(first))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return errs.Wrap(errs.CodeIOFailure, err, "create segment")
	}
	if err := syncDir(l.opts.Dir); err != nil {
		_ = f.Close()
		return err
	}
	if l.active != nil {
		_ = l.active.Close()
	}
	l.active = f
	l.segments = append(l.segments, segment{first: first, path: path})
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errs.Wrap(errs.CodeIOFailure, err, "open wal directory")
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errs.Wrap(errs.CodeIOFailure, err, "sync wal directory")
	}
	return nil
}

// --------------------------------------------------------------------------
// Writing
// --------------------------------------------------------------------------

// Append writes a record for doc and returns it with its assigned sequence
// number and timestamp. ts is the requested timestamp in unix nanoseconds, 0
// means now. The stored timestamp is raised to the previous record's if
// needed, so timestamps never decrease.
//
// On failure no partial record remains in the log and the sequence number
// is not consumed.
//
// Thread-safety: This method is safe for concurrent use
func (l *Log) Append(doc uuid.UUID, ts int64, payload []byte) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Record{}, errs.New(errs.CodeIOFailure, "wal is closed")
	}
	if l.failed != nil {
		return Record{}, l.failed
	}

	if ts == 0 {
		ts = l.opts.Now().UnixNano()
	}
	rec := Record{Shard: l.opts.Shard, Seq: l.next, TS: max(ts, l.lastTS), Doc: doc, Payload: payload}

	var flags uint8
	inline := payload
	if l.opts.BlobThreshold > 0 && len(payload) > l.opts.BlobThreshold {
		if err := l.opts.Blobs.PutBlob(l.opts.Shard, rec.Seq, doc, payload); err != nil {
			appendErrors.Inc()
			return Record{}, errs.Wrap(errs.CodeIOFailure, err, "offload payload")
		}
		flags |= flagBlob
		inline = nil
	} else if len(payload) > MaxPayload {
		return Record{}, errs.Newf(errs.CodeInvalidOperation, "payload of %d bytes exceeds limit", len(payload))
	}

	cur := &l.segments[len(l.segments)-1]
	frameLen := int64(headerSize + len(inline) + trailerSize)
	if cur.size > 0 && cur.size+frameLen > l.opts.SegmentSize {
		if err := l.startSegment(rec.Seq); err != nil {
			appendErrors.Inc()
			return Record{}, err
		}
		cur = &l.segments[len(l.segments)-1]
	}

	l.buf = encodeFrame(l.buf, rec, flags, inline)
	if _, err := l.active.Write(l.buf); err != nil {
		appendErrors.Inc()
		return Record{}, l.rollback(cur, err)
	}
	if l.opts.SyncWrites {
		start := time.Now()
		if err := l.active.Sync(); err != nil {
			appendErrors.Inc()
			return Record{}, l.rollback(cur, err)
		}
		fsyncDuration.UpdateDuration(start)
	}

	cur.size += frameLen
	l.next++
	l.lastTS = rec.TS
	appendsTotal.Inc()
	appendBytes.Add(len(l.buf))
	return rec, nil
}

// rollback truncates the active segment back to its last good size after a
// failed write. If that fails too the log refuses further appends.
func (l *Log) rollback(cur *segment, cause error) error {
	err := errs.Wrap(errs.CodeIOFailure, cause, "append")
	if terr := l.active.Truncate(cur.size); terr != nil {
		l.failed = errs.Wrap(errs.CodeIOFailure, terr, "wal unusable after failed append")
		log.Errorf("shard %d: %v", l.opts.Shard, l.failed)
	}
	return err
}

// Sync flushes the active segment to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if err := l.active.Sync(); err != nil {
		return errs.Wrap(errs.CodeIOFailure, err, "sync")
	}
	return nil
}

// Close syncs and closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.active.Sync(); err != nil {
		_ = l.active.Close()
		return errs.Wrap(errs.CodeIOFailure, err, "sync on close")
	}
	if err := l.active.Close(); err != nil {
		return errs.Wrap(errs.CodeIOFailure, err, "close")
	}
	return nil
}

// --------------------------------------------------------------------------
// Maintenance
// --------------------------------------------------------------------------

// TruncateBefore removes segment files that only hold records below seq.
// The active segment is never removed. It returns the number of segments
// removed.
func (l *Log) TruncateBefore(seq uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for len(l.segments) > 1 && l.segments[1].first <= seq {
		if err := os.Remove(l.segments[0].path); err != nil && !os.IsNotExist(err) {
			return removed, errs.Wrap(errs.CodeIOFailure, err, "remove segment")
		}
		l.segments = l.segments[1:]
		removed++
	}
	if removed > 0 {
		log.Infof("shard %d: removed %d segments before seq %d", l.opts.Shard, removed, seq)
		return removed, syncDir(l.opts.Dir)
	}
	return 0, nil
}

// Reset discards every record and continues with next as the sequence of the
// next append. It clears a sticky failure. Used when the shard state is
// replaced wholesale from a snapshot.
func (l *Log) Reset(next uint64, lastTS int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active != nil {
		_ = l.active.Close()
		l.active = nil
	}
	for _, s := range l.segments {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.CodeIOFailure, err, "remove segment")
		}
	}
	l.segments = nil
	l.failed = nil
	l.next = next
	l.lastTS = lastTS
	return l.startSegment(next)
}

// Next returns the sequence number the next append will get.
func (l *Log) Next() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// First returns the sequence of the oldest retained record.
func (l *Log) First() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segments[0].first
}

// LastTS returns the timestamp of the last appended record.
func (l *Log) LastTS() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastTS
}

// Failed returns the sticky error that blocks appends, or nil.
func (l *Log) Failed() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// Segments describes the segment files, oldest first.
func (l *Log) Segments() []SegmentInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SegmentInfo, len(l.segments))
	for i, s := range l.segments {
		out[i] = SegmentInfo{First: s.first, Path: s.path, Size: s.size}
	}
	return out
}

// --------------------------------------------------------------------------
// Reading
// --------------------------------------------------------------------------

// ReadFrom returns the records with a sequence of at least from, in order.
//
// The sequence is lazy and can be ranged over any number of times. Each
// iteration reads the records that were committed when it started. A
// missing record or a frame that fails validation yields a Corruption error,
// reading below the oldest retained record yields a Compacted error. The
// iteration stops after yielding an error.
func (l *Log) ReadFrom(from uint64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		l.mu.Lock()
		segments := slices.Clone(l.segments)
		end := l.next
		l.mu.Unlock()

		if from == 0 {
			from = 1
		}
		if from >= end {
			return
		}
		if from < segments[0].first {
			yield(Record{}, errs.Newf(errs.CodeCompacted,
				"shard %d: seq %d precedes first retained record %d", l.opts.Shard, from, segments[0].first))
			return
		}

		// start at the last segment whose first record is at or below from
		start := 0
		for i, s := range segments {
			if s.first <= from {
				start = i
			}
		}

		expected := segments[start].first
		for i := start; i < len(segments) && expected < end; i++ {
			s := segments[i]
			if s.first != expected {
				yield(Record{}, errs.Newf(errs.CodeCorruption,
					"shard %d: gap between seq %d and segment starting at %d", l.opts.Shard, expected-1, s.first))
				return
			}
			var ok bool
			expected, ok = l.readSegment(s, from, end, yield)
			if !ok {
				return
			}
		}
		if expected < end {
			yield(Record{}, errs.Newf(errs.CodeCorruption,
				"shard %d: log ends at seq %d, expected records up to %d", l.opts.Shard, expected-1, end-1))
		}
	}
}

// readSegment yields the records of s with from <= seq < end. It returns the
// sequence after the last record read and false if iteration must stop.
func (l *Log) readSegment(s segment, from, end uint64, yield func(Record, error) bool) (uint64, bool) {
	expected := s.first

	f, err := os.Open(s.path)
	if err != nil {
		yield(Record{}, errs.Wrap(errs.CodeIOFailure, err, "open segment"))
		return expected, false
	}
	defer f.Close()

	// the active segment may grow while we read, never read past what was
	// committed at the start of the iteration
	r := bufio.NewReaderSize(f, 1<<20)
	var offset int64
	for expected < end {
		fr, err := readFrame(r, offset)
		if err == io.EOF {
			return expected, true
		}
		if errors.Is(err, errTorn) {
			yield(Record{}, errs.Newf(errs.CodeCorruption,
				"shard %d: %s ends inside a record at offset %d", l.opts.Shard, filepath.Base(s.path), offset))
			return expected, false
		}
		if err != nil {
			yield(Record{}, err)
			return expected, false
		}
		if fr.Seq != expected {
			yield(Record{}, errs.Newf(errs.CodeCorruption,
				"shard %d: expected seq %d, found %d", l.opts.Shard, expected, fr.Seq))
			return expected, false
		}
		offset += fr.size
		expected++

		if fr.Seq < from {
			continue
		}

		rec := fr.Record
		rec.Shard = l.opts.Shard
		if fr.flags&flagBlob != 0 {
			if l.opts.Blobs == nil {
				yield(Record{}, errs.Newf(errs.CodeCorruption, "shard %d: seq %d references a blob but no blob store is configured", l.opts.Shard, fr.Seq))
				return expected, false
			}
			rec.Payload, err = l.opts.Blobs.GetBlob(l.opts.Shard, fr.Seq, fr.Doc)
			if err != nil {
				if errs.CodeOf(err) == errs.CodeNotFound {
					err = errs.Wrap(errs.CodeCorruption, err, fmt.Sprintf("shard %d: blob of seq %d missing", l.opts.Shard, fr.Seq))
				}
				yield(Record{}, err)
				return expected, false
			}
		}
		if !yield(rec, nil) {
			return expected, false
		}
	}
	return expected, true
}
