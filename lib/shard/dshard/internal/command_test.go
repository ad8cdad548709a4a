package internal

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

// TestSerializeDeserialize tests both Serialize and Deserialize methods
func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name    string
		command Command
	}{
		{
			name:    "Commit with payload",
			command: Command{Type: CommandTCommit, TS: 1700000000000000000, Payload: []byte{0xa1, 0x01, 0x02}},
		},
		{
			name:    "Compact without payload",
			command: Command{Type: CommandTCompact, TS: 42, OlderThan: 41},
		},
		{
			name:    "Negative and extreme timestamps",
			command: Command{Type: CommandTCommit, TS: math.MaxInt64, OlderThan: -1, Payload: []byte("x")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.command.Serialize()

			var got Command
			if err := got.Deserialize(data); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}
			if got.Type != tt.command.Type || got.TS != tt.command.TS || got.OlderThan != tt.command.OlderThan {
				t.Errorf("Deserialize() = %+v, want %+v", got, tt.command)
			}
			if !bytes.Equal(got.Payload, tt.command.Payload) {
				t.Errorf("Payload mismatch: got %v, want %v", got.Payload, tt.command.Payload)
			}
			if tt.command.SizeBytes() != len(data) {
				t.Errorf("SizeBytes() = %d, but serialized data length = %d", tt.command.SizeBytes(), len(data))
			}
		})
	}
}

// TestBinaryFormat tests the exact binary format of serialized commands
func TestBinaryFormat(t *testing.T) {
	cmd := Command{Type: CommandTCommit, TS: 12345, OlderThan: 67890, Payload: []byte("op")}

	expected := make([]byte, 17+2)
	expected[0] = byte(CommandTCommit)
	binary.BigEndian.PutUint64(expected[1:9], 12345)
	binary.BigEndian.PutUint64(expected[9:17], 67890)
	copy(expected[17:], "op")

	if got := cmd.Serialize(); !bytes.Equal(got, expected) {
		t.Errorf("Binary format does not match:\nGot:      %v\nExpected: %v", got, expected)
	}
}

func TestDeserializeTooShort(t *testing.T) {
	for _, data := range [][]byte{nil, {1, 2, 3}, make([]byte, 16)} {
		var cmd Command
		if err := cmd.Deserialize(data); err == nil || err.Error() != "data too short for command" {
			t.Errorf("Deserialize(%d bytes) error = %v", len(data), err)
		}
	}
}
