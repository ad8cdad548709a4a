package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"

	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/errs"
)

// --------------------------------------------------------------------------
// Record
// --------------------------------------------------------------------------

// Record is one immutable entry of a shard's log.
type Record struct {
	Shard   uint64    // shard the record belongs to
	Seq     uint64    // gap-free, strictly increasing within the shard
	TS      int64     // unix nanoseconds, non-decreasing within the shard
	Doc     uuid.UUID // document the record mutates, uuid.Nil for shard level records
	Payload []byte    // opaque to the log
}

// --------------------------------------------------------------------------
// Frame format
// --------------------------------------------------------------------------

// A frame on disk (all integers big endian):
//
//	[magic:4][version:1][flags:1][seq:8][ts:8][doc:16][length:4][hcrc:4][payload:length][crc:4]
//
// hcrc is the CRC32-C of version through length, so the length can be
// trusted before the payload is read. crc covers everything from version up
// to the end of the payload.
const (
	frameMagic   uint32 = 0x4348574C // "CHWL"
	frameVersion uint8  = 2

	headerSize  = 4 + 1 + 1 + 8 + 8 + 16 + 4 + 4
	trailerSize = 4

	// MaxPayload is the largest inline payload a frame can carry.
	MaxPayload = 64 << 20
)

// frame flags
const (
	flagBlob uint8 = 1 << iota // payload lives in the blob store
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// frame is a decoded record plus its on-disk metadata.
type frame struct {
	Record
	flags uint8
	size  int64
}

// encodeFrame serializes a record into buf and returns the result.
func encodeFrame(buf []byte, rec Record, flags uint8, payload []byte) []byte {
	buf = buf[:0]
	buf = binary.BigEndian.AppendUint32(buf, frameMagic)
	buf = append(buf, frameVersion, flags)
	buf = binary.BigEndian.AppendUint64(buf, rec.Seq)
	buf = binary.BigEndian.AppendUint64(buf, uint64(rec.TS))
	buf = append(buf, rec.Doc[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = binary.BigEndian.AppendUint32(buf, crc32.Checksum(buf[4:42], crcTable))
	buf = append(buf, payload...)
	return binary.BigEndian.AppendUint32(buf, crc32.Checksum(buf[4:], crcTable))
}

// errTorn reports an incomplete frame at the end of a file.
var errTorn = errors.New("torn frame")

// readFrame reads the next frame. It returns io.EOF at a clean end of input,
// errTorn if the input ends inside a frame whose header checks out and a
// Corruption error otherwise.
func readFrame(r *bufio.Reader, offset int64) (frame, error) {
	var hdr [headerSize]byte
	_, err := io.ReadFull(r, hdr[:])
	if err == io.EOF {
		return frame{}, io.EOF
	}
	if err == io.ErrUnexpectedEOF {
		return frame{}, errTorn
	}
	if err != nil {
		return frame{}, errs.Wrap(errs.CodeIOFailure, err, "read frame header")
	}

	if m := binary.BigEndian.Uint32(hdr[0:4]); m != frameMagic {
		return frame{}, errs.Newf(errs.CodeCorruption, "bad magic %#x at offset %d", m, offset)
	}
	if crc := crc32.Checksum(hdr[4:42], crcTable); crc != binary.BigEndian.Uint32(hdr[42:46]) {
		return frame{}, errs.Newf(errs.CodeCorruption, "header checksum mismatch at offset %d", offset)
	}
	if v := hdr[4]; v != frameVersion {
		return frame{}, errs.Newf(errs.CodeCorruption, "unknown frame version %d at offset %d", v, offset)
	}

	length := binary.BigEndian.Uint32(hdr[38:42])
	if length > MaxPayload {
		return frame{}, errs.Newf(errs.CodeCorruption, "frame length %d at offset %d exceeds limit", length, offset)
	}

	body := make([]byte, int(length)+trailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return frame{}, errTorn
		}
		return frame{}, errs.Wrap(errs.CodeIOFailure, err, "read frame body")
	}

	crc := crc32.Update(crc32.Checksum(hdr[4:], crcTable), crcTable, body[:length])
	if want := binary.BigEndian.Uint32(body[length:]); crc != want {
		return frame{}, errs.Newf(errs.CodeCorruption, "checksum mismatch at offset %d", offset)
	}

	f := frame{
		flags: hdr[5],
		size:  int64(headerSize) + int64(length) + trailerSize,
	}
	f.Seq = binary.BigEndian.Uint64(hdr[6:14])
	f.TS = int64(binary.BigEndian.Uint64(hdr[14:22]))
	copy(f.Doc[:], hdr[22:38])
	f.Payload = body[:length:length]
	return f, nil
}
