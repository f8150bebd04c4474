// Package wal implements the append-only write-ahead log: binary record
// framing with CRC32 integrity, size-bounded segment files, configurable
// durability policies, crash recovery and compaction.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// RecordType tags the payload of a WAL record.
type RecordType uint8

const (
	TypeNodeCreate RecordType = 1
	TypeNodePatch  RecordType = 2
	TypeNodeDelete RecordType = 3
	TypeLinkAdd    RecordType = 4
	TypeLinkDel    RecordType = 5
	TypeSignal     RecordType = 6
	TypeCheckpoint RecordType = 7
)

var typeNames = map[RecordType]string{
	TypeNodeCreate: "NODE_CREATE",
	TypeNodePatch:  "NODE_PATCH",
	TypeNodeDelete: "NODE_DELETE",
	TypeLinkAdd:    "LINK_ADD",
	TypeLinkDel:    "LINK_DEL",
	TypeSignal:     "SIGNAL",
	TypeCheckpoint: "CHECKPOINT",
}

func (t RecordType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

func (t RecordType) valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Record framing, little-endian:
//
//	offset  size  field
//	0       1     record type
//	1       1     flags (reserved, 0)
//	2       2     reserved
//	4       4     payload length
//	8       8     sequence number
//	16      n     payload
//	16+n    4     CRC32 (IEEE) over header and payload
const (
	recordHeaderSize  = 16
	recordTrailerSize = 4

	// maxPayloadSize bounds allocation when reading a possibly corrupt
	// length field.
	maxPayloadSize = 64 << 20
)

type Record struct {
	Type    RecordType
	Seq     uint64
	Payload []byte
}

func (r Record) encodedSize() int {
	return recordHeaderSize + len(r.Payload) + recordTrailerSize
}

func (r Record) encode() []byte {
	buf := make([]byte, r.encodedSize())
	buf[0] = byte(r.Type)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(r.Payload)))
	binary.LittleEndian.PutUint64(buf[8:16], r.Seq)
	copy(buf[recordHeaderSize:], r.Payload)
	sum := crc32.ChecksumIEEE(buf[:recordHeaderSize+len(r.Payload)])
	binary.LittleEndian.PutUint32(buf[recordHeaderSize+len(r.Payload):], sum)
	return buf
}

// errCRC marks an integrity failure as opposed to a clean or torn end of
// file. Recovery maps it to a CORRUPTION error with position context.
type errCRC struct {
	seq      uint64
	expected uint32
	actual   uint32
}

func (e errCRC) Error() string {
	if e.expected == 0 && e.actual == 0 {
		return fmt.Sprintf("record %d has an invalid header", e.seq)
	}
	return fmt.Sprintf("record %d crc mismatch: stored %08x, computed %08x", e.seq, e.expected, e.actual)
}

// readRecord reads one framed record. It returns io.EOF at a clean record
// boundary and io.ErrUnexpectedEOF when the file ends inside a record (a
// torn write).
func readRecord(r *bufio.Reader) (Record, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, io.ErrUnexpectedEOF
	}

	typ := RecordType(header[0])
	length := binary.LittleEndian.Uint32(header[4:8])
	seq := binary.LittleEndian.Uint64(header[8:16])

	if !typ.valid() || length > maxPayloadSize {
		return Record{}, errCRC{seq: seq}
	}

	body := make([]byte, int(length)+recordTrailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, io.ErrUnexpectedEOF
	}
	payload := body[:length]
	stored := binary.LittleEndian.Uint32(body[length:])

	crc := crc32.NewIEEE()
	crc.Write(header)
	crc.Write(payload)
	if sum := crc.Sum32(); sum != stored {
		return Record{}, errCRC{seq: seq, expected: stored, actual: sum}
	}

	return Record{Type: typ, Seq: seq, Payload: payload}, nil
}
