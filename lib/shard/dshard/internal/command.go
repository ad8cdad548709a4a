package internal

import (
	"encoding/binary"
	"fmt"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTCommit  CommandType = iota + 1 // Commit a shard operation.
	CommandTCompact                        // Purge and compact on every replica.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTCommit:
		return "Commit"
	case CommandTCompact:
		return "Compact"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// Command represents a command to be executed by the state machine (a single
// entry in the raft log). TS is chosen by the proposer so that every replica
// logs the operation with the same timestamp.
type Command struct {
	Type CommandType
	TS   int64
	// OlderThan is the compaction horizon of CommandTCompact
	OlderThan int64
	// Payload is the encoded shard.Op of CommandTCommit
	Payload []byte
}

// header: 1 byte type, 8 bytes ts, 8 bytes olderThan
const headerSize = 1 + 8 + 8

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	return headerSize + len(command.Payload)
}

// Serialize serializes a command into a byte array with the format:
// 1 byte for the command type,
// 8 bytes for ts (big endian),
// 8 bytes for olderThan (big endian),
// N bytes for the payload (optional)
func (command *Command) Serialize() []byte {
	result := make([]byte, command.SizeBytes())
	result[0] = byte(command.Type)
	binary.BigEndian.PutUint64(result[1:9], uint64(command.TS))
	binary.BigEndian.PutUint64(result[9:17], uint64(command.OlderThan))
	copy(result[headerSize:], command.Payload)
	return result
}

// Deserialize extracts all Command fields from a byte array. The payload
// aliases data.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for command")
	}
	command.Type = CommandType(data[0])
	command.TS = int64(binary.BigEndian.Uint64(data[1:9]))
	command.OlderThan = int64(binary.BigEndian.Uint64(data[9:17]))
	command.Payload = nil
	if len(data) > headerSize {
		command.Payload = data[headerSize:]
	}
	return nil
}
