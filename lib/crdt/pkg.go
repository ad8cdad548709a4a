// Package crdt implements the replicated text type stored in every text and
// index guide document.
//
// The type is an RGA (replicated growable array) over runes. Each insert is
// anchored to the element it follows, each delete tombstones one element.
// Operation ids are Lamport timestamps paired with a replica name, and
// concurrent inserts at the same anchor are ordered by id descending, so all
// replicas that integrated the same set of operations materialize the same
// text regardless of delivery order or duplication.
//
// Local edits are produced with Doc.Diff and integrated with Doc.Apply at a
// caller-supplied version (the WAL sequence of the record carrying them).
// The version annotations make Doc.ViewAt able to materialize any earlier
// version without replaying the log.
package crdt
