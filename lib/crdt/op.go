package crdt

import (
	"cmp"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ValentinKolb/ctxhub/lib/errs"
)

// OpID identifies an operation. Clock is a Lamport clock, Replica names the
// replica that generated the operation. Together they are globally unique.
type OpID struct {
	Clock   uint64 `cbor:"1,keyasint"`
	Replica string `cbor:"2,keyasint"`
}

// IsZero reports whether id is the zero id, which as an insert anchor means
// the start of the document.
func (id OpID) IsZero() bool {
	return id.Clock == 0 && id.Replica == ""
}

// Compare orders ids by clock, then by replica.
func (id OpID) Compare(o OpID) int {
	if c := cmp.Compare(id.Clock, o.Clock); c != 0 {
		return c
	}
	return cmp.Compare(id.Replica, o.Replica)
}

func (id OpID) String() string {
	return fmt.Sprintf("%d@%s", id.Clock, id.Replica)
}

// OpKind is the kind of an operation.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1 // insert Value after Ref
	OpDelete                   // tombstone the element Ref
)

// Op is a single CRDT operation. For inserts Ref is the anchor element (zero
// for the document start). For deletes Ref is the element to remove.
type Op struct {
	Kind  OpKind `cbor:"1,keyasint"`
	ID    OpID   `cbor:"2,keyasint"`
	Ref   OpID   `cbor:"3,keyasint"`
	Value rune   `cbor:"4,keyasint,omitempty"`
}

// State is the exchangeable form of a document: its full operation history.
// Merging a State into a document is commutative, associative and idempotent.
type State struct {
	Ops []Op `cbor:"1,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 27,
	}).DecMode(); err != nil {
		panic(err)
	}
}

// EncodeState serializes s with deterministic CBOR.
func EncodeState(s State) ([]byte, error) {
	return encMode.Marshal(s)
}

// DecodeState parses a State produced by EncodeState. Undecodable input is
// reported as InvalidMergeInput.
func DecodeState(b []byte) (State, error) {
	var s State
	if err := decMode.Unmarshal(b, &s); err != nil {
		return State{}, errs.Wrap(errs.CodeInvalidMergeInput, err, "decode crdt state")
	}
	return s, nil
}
