package uarr

import "encoding/binary"

// Buffer layout, all fields little-endian:
//
//	offset  size  field
//	0       4     magic "UARR"
//	4       2     format version, major<<8 | minor
//	6       2     flags (bit0 root is array, bit1 root is map)
//	8       4     field count
//	12      4     schema offset
//	16      4     data offset
//	20      8     total byte length
//
// The schema region holds fieldCount descriptors of 12 bytes each, followed
// by the key table (map roots only). Descriptor layout:
//
//	offset  size  field
//	0       1     kind
//	1       1     field flags (reserved, 0)
//	2       2     key offset into the key table, 0xFFFF for none
//	4       4     value offset, relative to the data region
//	8       4     value byte length
const (
	Magic = uint32('U') | uint32('A')<<8 | uint32('R')<<16 | uint32('R')<<24

	VersionMajor = 1
	VersionMinor = 0

	headerSize     = 28
	descriptorSize = 12

	flagRootArray uint16 = 1 << 0
	flagRootMap   uint16 = 1 << 1

	noKey uint16 = 0xFFFF

	// Key table offsets are u16, which caps the key table size.
	maxKeyTable = int(noKey) - 1
)

var byteOrder = binary.LittleEndian

type header struct {
	version      uint16
	flags        uint16
	fieldCount   uint32
	schemaOffset uint32
	dataOffset   uint32
	totalLen     uint64
}

func (h header) major() uint8 { return uint8(h.version >> 8) }

type descriptor struct {
	kind       Kind
	fieldFlags uint8
	keyOff     uint16
	dataOff    uint32
	length     uint32
}

// scalarWidth returns the fixed data-region width of a kind, or -1 for
// variable-length kinds.
func scalarWidth(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindBool, KindInt8, KindUint8:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32, KindFloat32:
		return 4
	case KindInt64, KindUint64, KindFloat64, KindTime:
		return 8
	default:
		return -1
	}
}
