package uarr

import (
	"github.com/charlpcronje/FXD-sub007/internal/core/errors"
)

// Encode serializes v into a self-describing UArr buffer. Encoding is
// deterministic: the same value always produces the same bytes.
func Encode(v Value) ([]byte, error) {
	var fields []Value
	var keys []string
	var flags uint16

	switch v.kind {
	case KindArray:
		flags = flagRootArray
		fields = v.arr
	case KindMap:
		flags = flagRootMap
		fields = make([]Value, len(v.ent))
		keys = make([]string, len(v.ent))
		for i, e := range v.ent {
			fields[i] = e.Value
			keys[i] = e.Key
		}
	default:
		fields = []Value{v}
	}

	keyTable, keyOffs, err := buildKeyTable(keys)
	if err != nil {
		return nil, err
	}

	schemaOffset := headerSize
	dataOffset := schemaOffset + len(fields)*descriptorSize + len(keyTable)

	// First pass: encode field payloads.
	payloads := make([][]byte, len(fields))
	for i, f := range fields {
		p, err := encodePayload(f)
		if err != nil {
			return nil, err
		}
		payloads[i] = p
	}

	dataLen := 0
	for _, p := range payloads {
		dataLen += len(p)
	}
	total := dataOffset + dataLen

	buf := make([]byte, total)
	byteOrder.PutUint32(buf[0:4], Magic)
	byteOrder.PutUint16(buf[4:6], VersionMajor<<8|VersionMinor)
	byteOrder.PutUint16(buf[6:8], flags)
	byteOrder.PutUint32(buf[8:12], uint32(len(fields)))
	byteOrder.PutUint32(buf[12:16], uint32(schemaOffset))
	byteOrder.PutUint32(buf[16:20], uint32(dataOffset))
	byteOrder.PutUint64(buf[20:28], uint64(total))

	dataOff := uint32(0)
	for i, f := range fields {
		d := buf[schemaOffset+i*descriptorSize:]
		d[0] = byte(f.kind)
		d[1] = 0
		keyOff := noKey
		if keys != nil {
			keyOff = keyOffs[i]
		}
		byteOrder.PutUint16(d[2:4], keyOff)
		byteOrder.PutUint32(d[4:8], dataOff)
		byteOrder.PutUint32(d[8:12], uint32(len(payloads[i])))
		copy(buf[dataOffset+int(dataOff):], payloads[i])
		dataOff += uint32(len(payloads[i]))
	}
	copy(buf[schemaOffset+len(fields)*descriptorSize:], keyTable)

	return buf, nil
}

func buildKeyTable(keys []string) ([]byte, []uint16, error) {
	if len(keys) == 0 {
		return nil, nil, nil
	}
	offs := make([]uint16, len(keys))
	size := 0
	for i, k := range keys {
		if size+2+len(k) > maxKeyTable {
			return nil, nil, errors.Newf(errors.CodeInvalidValue,
				"map key table exceeds %d bytes", maxKeyTable)
		}
		offs[i] = uint16(size)
		size += 2 + len(k)
	}
	table := make([]byte, size)
	pos := 0
	for _, k := range keys {
		byteOrder.PutUint16(table[pos:pos+2], uint16(len(k)))
		copy(table[pos+2:], k)
		pos += 2 + len(k)
	}
	return table, offs, nil
}

// encodePayload renders the data-region bytes of a single field. Nested
// arrays and maps become complete embedded buffers.
func encodePayload(v Value) ([]byte, error) {
	if w := scalarWidth(v.kind); w >= 0 {
		p := make([]byte, w)
		switch w {
		case 0:
		case 1:
			p[0] = byte(v.num)
		case 2:
			byteOrder.PutUint16(p, uint16(v.num))
		case 4:
			byteOrder.PutUint32(p, uint32(v.num))
		case 8:
			byteOrder.PutUint64(p, v.num)
		}
		return p, nil
	}
	switch v.kind {
	case KindString, KindNodeRef:
		return []byte(v.str), nil
	case KindBytes:
		return v.raw, nil
	case KindArray, KindMap:
		return Encode(v)
	default:
		return nil, errors.Newf(errors.CodeInvalidValue, "unsupported kind %s", v.kind)
	}
}
