// Package internal defines the raft log entries and lookup queries exchanged
// between dshard.Store and its state machine.
package internal
