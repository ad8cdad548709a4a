package internal

import "github.com/ValentinKolb/ctxhub/lib/shard"

// QueryType defines the possible queries for the state machine.
type QueryType uint8

const (
	QueryTView QueryType = iota + 1 // Run a function against the state.
	QueryTInfo                      // Retrieve shard info of the replica.
)

func (q QueryType) String() string {
	switch q {
	case QueryTView:
		return "View"
	case QueryTInfo:
		return "Info"
	default:
		return "Unknown"
	}
}

// Query defines the structure for lookup requests (read-only) sent via
// SyncRead or StaleRead. Queries never leave the node, so they can carry a
// function.
type Query struct {
	Type QueryType
	Fn   func(*shard.State) error
}
