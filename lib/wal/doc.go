// Package wal implements the per-shard write-ahead log.
//
// A log is a directory of segment files. Every record carries a gap-free
// sequence number, a non-decreasing timestamp, the id of the document it
// mutates and an opaque payload, framed with a CRC32-C checksum. Large
// payloads are stored in a BlobStore and referenced from the frame.
//
// Recovery rules:
//
//   - An incomplete frame at the end of the newest segment is a write that was
//     never acknowledged. Open truncates it.
//   - A complete frame that fails validation, or a missing sequence number, is
//     corruption. It is never skipped: the log reports a Corruption error and
//     refuses appends.
//
// ReadFrom returns an iter.Seq2 over the committed records, which the shard
// uses for replay and the timeline for reconstruction and change feeds.
package wal
