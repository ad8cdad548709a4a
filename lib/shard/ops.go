package shard

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/crdt"
	"github.com/ValentinKolb/ctxhub/lib/errs"
)

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

// Kind is the kind of a shard operation.
type Kind uint8

const (
	OpCreate        Kind = iota + 1 // create a document
	OpEdit                          // integrate CRDT ops into a document's content
	OpMove                          // change a document's parent
	OpRename                        // change a document's name
	OpDelete                        // soft delete a document and its subtree
	OpGrant                         // add or change an ACL entry
	OpRevoke                        // remove an ACL entry
	OpReplicaSync                   // install or update a secondary copy
	OpShareComplete                 // record that a secondary copy caught up
	OpPurge                         // physically remove soft deleted documents
)

func (k Kind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpEdit:
		return "edit"
	case OpMove:
		return "move"
	case OpRename:
		return "rename"
	case OpDelete:
		return "delete"
	case OpGrant:
		return "grant"
	case OpRevoke:
		return "revoke"
	case OpReplicaSync:
		return "replica_sync"
	case OpShareComplete:
		return "share_complete"
	case OpPurge:
		return "purge"
	default:
		return "unknown"
	}
}

// Actor identifies who performs an operation. System is set for operations
// issued by the hub itself (index guides, replication, compaction).
type Actor struct {
	Principal string `cbor:"1,keyasint,omitempty" json:"principal"`
	Agent     string `cbor:"2,keyasint,omitempty" json:"agent,omitempty"`
	System    bool   `cbor:"3,keyasint,omitempty" json:"system,omitempty"`
}

// SystemActor is the actor of hub issued operations.
var SystemActor = Actor{Principal: "system", System: true}

// Op is a shard operation, the payload of one WAL record.
//
// Text carries the desired content of a create or edit while the operation
// is in flight. Before an operation is logged the shard converts Text into
// CRDT ops against the current state and clears it, so the log only holds
// ops and replay never depends on diffing.
type Op struct {
	Kind  Kind      `cbor:"1,keyasint"`
	Actor Actor     `cbor:"2,keyasint"`
	Doc   uuid.UUID `cbor:"3,keyasint"`

	Name   string          `cbor:"4,keyasint,omitempty"`
	Parent uuid.UUID       `cbor:"5,keyasint,omitempty"`
	Type   catalog.DocType `cbor:"6,keyasint,omitempty"`
	Ops    []crdt.Op       `cbor:"7,keyasint,omitempty"`
	Text   *string         `cbor:"8,keyasint,omitempty"`

	// grant and revoke
	Principal string        `cbor:"9,keyasint,omitempty"`
	Level     catalog.Level `cbor:"10,keyasint,omitempty"`

	// replica sync: metadata of the primary copy
	Meta *catalog.Document `cbor:"11,keyasint,omitempty"`

	// share complete
	Target        uint64 `cbor:"12,keyasint,omitempty"`
	SyncedVersion uint64 `cbor:"13,keyasint,omitempty"`

	// purge
	Purge []uuid.UUID `cbor:"14,keyasint,omitempty"`

	// index guide create and edit
	GuideSource uint64 `cbor:"15,keyasint,omitempty"`

	// raft entry that carried the operation on a replicated shard
	Index uint64 `cbor:"16,keyasint,omitempty"`
}

var (
	opEnc cbor.EncMode
	opDec cbor.DecMode
)

func init() {
	var err error
	if opEnc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if opDec, err = (cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}).DecMode(); err != nil {
		panic(err)
	}
}

// EncodeOp serializes op with deterministic CBOR.
func EncodeOp(op *Op) ([]byte, error) {
	b, err := opEnc.Marshal(op)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, err, "encode op")
	}
	return b, nil
}

// DecodeOp parses a WAL payload. A payload that does not decode is reported
// as corruption since it passed the frame checksum.
func DecodeOp(b []byte) (*Op, error) {
	op := &Op{}
	if err := opDec.Unmarshal(b, op); err != nil {
		return nil, errs.Wrap(errs.CodeCorruption, err, "decode op")
	}
	return op, nil
}

// --------------------------------------------------------------------------
// Results and changes
// --------------------------------------------------------------------------

// Result describes a committed operation.
type Result struct {
	Seq     uint64    `cbor:"1,keyasint" json:"seq"`
	TS      int64     `cbor:"2,keyasint" json:"ts"`
	Doc     uuid.UUID `cbor:"3,keyasint" json:"doc"`
	Version uint64    `cbor:"4,keyasint" json:"version"` // document version after the operation
	Applied int       `cbor:"5,keyasint" json:"applied"` // CRDT ops that were new
	Noop    bool      `cbor:"6,keyasint" json:"noop"`    // nothing changed, nothing was logged
}

// Change is a committed operation as seen by subscribers and change feeds.
type Change struct {
	Shard   uint64          `json:"shard"`
	Seq     uint64          `json:"seq"`
	TS      int64           `json:"ts"`
	Doc     uuid.UUID       `json:"doc"`
	Kind    Kind            `json:"kind"`
	Actor   Actor           `json:"actor"`
	Name    string          `json:"name,omitempty"`
	Parent  uuid.UUID       `json:"parent"`
	Type    catalog.DocType `json:"type,omitempty"`
	Ops     []crdt.Op       `json:"ops,omitempty"`
	Purged  []uuid.UUID     `json:"purged,omitempty"`
	Deleted []uuid.UUID     `json:"deleted,omitempty"`
}
