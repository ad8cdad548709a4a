package catalog

import (
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/errs"
)

// --------------------------------------------------------------------------
// Document type
// --------------------------------------------------------------------------

// DocType is the closed set of document kinds. Every switch over a DocType
// must handle all kinds and reject anything else.
type DocType uint8

const (
	TypeFolder     DocType = iota + 1 // container, carries no content
	TypeIndexGuide                    // generated summary of a folder
	TypeText                          // user text backed by a CRDT
)

// String returns the wire name of t.
func (t DocType) String() string {
	switch t {
	case TypeFolder:
		return "folder"
	case TypeIndexGuide:
		return "indexGuide"
	case TypeText:
		return "text"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a known kind.
func (t DocType) Valid() bool {
	switch t {
	case TypeFolder, TypeIndexGuide, TypeText:
		return true
	default:
		return false
	}
}

// ParseDocType parses a wire name. The empty string means text.
func ParseDocType(s string) (DocType, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return TypeText, nil
	case "folder":
		return TypeFolder, nil
	case "indexguide", "index_guide":
		return TypeIndexGuide, nil
	default:
		return 0, errs.Newf(errs.CodeInvalidOperation, "unknown document type %q", s)
	}
}

// --------------------------------------------------------------------------
// Access level
// --------------------------------------------------------------------------

// Level is a permission level. Write implies read.
type Level uint8

const (
	LevelNone Level = iota
	LevelRead
	LevelWrite
)

// Covers reports whether l grants at least required.
func (l Level) Covers(required Level) bool {
	return l >= required
}

func (l Level) String() string {
	switch l {
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	default:
		return "none"
	}
}

// ParseLevel parses "read" or "write".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "read":
		return LevelRead, nil
	case "write":
		return LevelWrite, nil
	default:
		return LevelNone, errs.Newf(errs.CodeInvalidOperation, "unknown access level %q", s)
	}
}

// --------------------------------------------------------------------------
// Document
// --------------------------------------------------------------------------

// ACLEntry grants principal access to a document. The owner never has an
// entry, ownership implies write.
type ACLEntry struct {
	Principal string `cbor:"1,keyasint" json:"principal"`
	Level     Level  `cbor:"2,keyasint" json:"level"`
	GrantedBy string `cbor:"3,keyasint" json:"granted_by"`
	GrantedAt int64  `cbor:"4,keyasint" json:"granted_at"`
}

// ReplicaInfo marks a document as a secondary copy of a document whose
// primary lives on another shard.
type ReplicaInfo struct {
	PrimaryShard  uint64 `cbor:"1,keyasint" json:"primary_shard"`
	SyncedVersion uint64 `cbor:"2,keyasint" json:"synced_version"`
}

// Document is the catalog entry of a document.
type Document struct {
	ID        uuid.UUID    `cbor:"1,keyasint" json:"id"`
	Owner     string       `cbor:"2,keyasint" json:"owner"`
	Name      string       `cbor:"3,keyasint" json:"name"`
	Parent    uuid.UUID    `cbor:"4,keyasint" json:"parent"` // uuid.Nil is the root
	Type      DocType      `cbor:"5,keyasint" json:"type"`
	Version   uint64       `cbor:"6,keyasint" json:"version"`
	Size      int          `cbor:"7,keyasint" json:"size"`
	CreatedAt int64        `cbor:"8,keyasint" json:"created_at"`
	UpdatedAt int64        `cbor:"9,keyasint" json:"updated_at"`
	Deleted   bool         `cbor:"10,keyasint" json:"deleted"`
	DeletedAt int64        `cbor:"11,keyasint" json:"deleted_at,omitempty"`
	ACL       []ACLEntry   `cbor:"12,keyasint" json:"acl"` // sorted by principal
	Replica   *ReplicaInfo `cbor:"13,keyasint" json:"replica,omitempty"`

	// folders: bumped whenever the set of children changes materially
	ChildrenVersion uint64 `cbor:"14,keyasint" json:"children_version,omitempty"`
	// folders: the generated index guide, uuid.Nil if none yet
	Guide uuid.UUID `cbor:"15,keyasint" json:"guide,omitempty"`
	// index guides: ChildrenVersion of the folder the guide was generated from
	GuideSource uint64 `cbor:"16,keyasint" json:"guide_source,omitempty"`
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	c := *d
	c.ACL = slices.Clone(d.ACL)
	if d.Replica != nil {
		r := *d.Replica
		c.Replica = &r
	}
	return &c
}

// IsPrimary reports whether d is the authoritative copy.
func (d *Document) IsPrimary() bool {
	return d.Replica == nil
}

// LevelFor returns the access level principal holds on d by ownership or
// ACL. Agent scopes are not considered.
func (d *Document) LevelFor(principal string) Level {
	if principal == "" {
		return LevelNone
	}
	if principal == d.Owner {
		return LevelWrite
	}
	i, found := slices.BinarySearchFunc(d.ACL, principal, func(e ACLEntry, p string) int {
		return strings.Compare(e.Principal, p)
	})
	if !found {
		return LevelNone
	}
	return d.ACL[i].Level
}

// SetACL adds or replaces the entry of e.Principal, keeping the list sorted.
func (d *Document) SetACL(e ACLEntry) {
	i, found := slices.BinarySearchFunc(d.ACL, e.Principal, func(x ACLEntry, p string) int {
		return strings.Compare(x.Principal, p)
	})
	if found {
		d.ACL[i] = e
		return
	}
	d.ACL = slices.Insert(d.ACL, i, e)
}

// RemoveACL removes the entry of principal and reports whether one existed.
func (d *Document) RemoveACL(principal string) bool {
	i, found := slices.BinarySearchFunc(d.ACL, principal, func(x ACLEntry, p string) int {
		return strings.Compare(x.Principal, p)
	})
	if !found {
		return false
	}
	d.ACL = slices.Delete(d.ACL, i, i+1)
	return true
}
