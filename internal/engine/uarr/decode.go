package uarr

import (
	"github.com/charlpcronje/FXD-sub007/internal/core/errors"
)

// Decode parses a UArr buffer produced by Encode (any minor version of the
// current major format). Variable-length payloads (Bytes) are returned as
// views into buf; callers must treat buf as immutable afterwards.
func Decode(buf []byte) (Value, error) {
	h, err := parseHeader(buf)
	if err != nil {
		return Value{}, err
	}

	keyTableStart := int(h.schemaOffset) + int(h.fieldCount)*descriptorSize
	keyTable := buf[keyTableStart:h.dataOffset]
	data := buf[h.dataOffset:]

	fields := make([]Value, h.fieldCount)
	keys := make([]string, h.fieldCount)
	for i := 0; i < int(h.fieldCount); i++ {
		d, err := parseDescriptor(buf, h, i)
		if err != nil {
			return Value{}, err
		}
		if int(d.dataOff)+int(d.length) > len(data) {
			return Value{}, errors.Newf(errors.CodeFormatError,
				"field %d data [%d:%d] exceeds data region of %d bytes",
				i, d.dataOff, d.dataOff+d.length, len(data))
		}
		payload := data[d.dataOff : d.dataOff+d.length]
		fields[i], err = decodePayload(d.kind, payload)
		if err != nil {
			return Value{}, err
		}
		if d.keyOff != noKey {
			keys[i], err = readKey(keyTable, d.keyOff)
			if err != nil {
				return Value{}, err
			}
		}
	}

	switch {
	case h.flags&flagRootMap != 0:
		entries := make([]Entry, h.fieldCount)
		for i := range fields {
			entries[i] = Entry{Key: keys[i], Value: fields[i]}
		}
		return Map(entries...), nil
	case h.flags&flagRootArray != 0:
		return Array(fields...), nil
	default:
		if h.fieldCount != 1 {
			return Value{}, errors.Newf(errors.CodeFormatError,
				"scalar root must have exactly 1 field, have %d", h.fieldCount)
		}
		return fields[0], nil
	}
}

func parseHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, errors.Newf(errors.CodeFormatError,
			"buffer truncated: %d bytes, need %d for header", len(buf), headerSize)
	}
	if m := byteOrder.Uint32(buf[0:4]); m != Magic {
		return header{}, errors.Newf(errors.CodeFormatError, "bad magic 0x%08x", m)
	}
	h := header{
		version:      byteOrder.Uint16(buf[4:6]),
		flags:        byteOrder.Uint16(buf[6:8]),
		fieldCount:   byteOrder.Uint32(buf[8:12]),
		schemaOffset: byteOrder.Uint32(buf[12:16]),
		dataOffset:   byteOrder.Uint32(buf[16:20]),
		totalLen:     byteOrder.Uint64(buf[20:28]),
	}
	if h.major() != VersionMajor {
		return header{}, errors.Newf(errors.CodeFormatError,
			"unsupported format version %d.%d", h.major(), uint8(h.version))
	}
	if h.totalLen != uint64(len(buf)) {
		return header{}, errors.Newf(errors.CodeFormatError,
			"length mismatch: header says %d, buffer is %d", h.totalLen, len(buf))
	}
	schemaEnd := uint64(h.schemaOffset) + uint64(h.fieldCount)*descriptorSize
	if uint64(h.schemaOffset) < headerSize || schemaEnd > uint64(h.dataOffset) ||
		uint64(h.dataOffset) > h.totalLen {
		return header{}, errors.Newf(errors.CodeFormatError,
			"inconsistent offsets: schema %d, data %d, total %d",
			h.schemaOffset, h.dataOffset, h.totalLen)
	}
	return h, nil
}

func parseDescriptor(buf []byte, h header, i int) (descriptor, error) {
	off := int(h.schemaOffset) + i*descriptorSize
	d := descriptor{
		kind:       Kind(buf[off]),
		fieldFlags: buf[off+1],
		keyOff:     byteOrder.Uint16(buf[off+2 : off+4]),
		dataOff:    byteOrder.Uint32(buf[off+4 : off+8]),
		length:     byteOrder.Uint32(buf[off+8 : off+12]),
	}
	if d.kind > kindMax {
		return descriptor{}, errors.Newf(errors.CodeFormatError,
			"field %d has unknown kind %d", i, uint8(d.kind))
	}
	if w := scalarWidth(d.kind); w >= 0 && int(d.length) != w {
		return descriptor{}, errors.Newf(errors.CodeFormatError,
			"field %d: kind %s requires %d bytes, descriptor says %d",
			i, d.kind, w, d.length)
	}
	return d, nil
}

func readKey(keyTable []byte, off uint16) (string, error) {
	if int(off)+2 > len(keyTable) {
		return "", errors.Newf(errors.CodeFormatError,
			"key offset %d outside key table of %d bytes", off, len(keyTable))
	}
	n := int(byteOrder.Uint16(keyTable[off : off+2]))
	if int(off)+2+n > len(keyTable) {
		return "", errors.Newf(errors.CodeFormatError,
			"key at offset %d truncated", off)
	}
	return string(keyTable[int(off)+2 : int(off)+2+n]), nil
}

func decodePayload(k Kind, payload []byte) (Value, error) {
	if w := scalarWidth(k); w >= 0 {
		var n uint64
		switch w {
		case 0:
		case 1:
			n = uint64(payload[0])
		case 2:
			n = uint64(byteOrder.Uint16(payload))
		case 4:
			n = uint64(byteOrder.Uint32(payload))
		case 8:
			n = byteOrder.Uint64(payload)
		}
		// Sign-extend so Int() round-trips negative values.
		switch k {
		case KindInt8:
			n = uint64(int64(int8(n)))
		case KindInt16:
			n = uint64(int64(int16(n)))
		case KindInt32:
			n = uint64(int64(int32(n)))
		}
		return Value{kind: k, num: n}, nil
	}
	switch k {
	case KindString, KindNodeRef:
		return Value{kind: k, str: string(payload)}, nil
	case KindBytes:
		return Value{kind: k, raw: payload}, nil
	case KindArray, KindMap:
		return Decode(payload)
	default:
		return Value{}, errors.Newf(errors.CodeFormatError, "unsupported kind %s", k)
	}
}
