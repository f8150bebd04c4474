// Package uarr implements the UArr self-describing binary value encoding
// used for node values, WAL payloads and signal deltas.
//
// A UArr buffer is a 28-byte header, a schema region of fixed-width field
// descriptors (plus a key table for map roots), and a data region. Scalars
// are stored inline in the data region; nested arrays and maps are stored
// as complete embedded UArr buffers, so any subtree of a value is itself a
// valid buffer.
package uarr

import (
	"fmt"
	"math"
	"time"
)

// Kind tags the closed set of value types the codec can represent.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindString
	KindBytes
	KindArray
	KindMap
	KindNodeRef
	KindTime

	kindMax = KindTime
)

var kindNames = map[Kind]string{
	KindNull:    "null",
	KindBool:    "bool",
	KindInt8:    "int8",
	KindInt16:   "int16",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindUint8:   "uint8",
	KindUint16:  "uint16",
	KindUint32:  "uint32",
	KindUint64:  "uint64",
	KindFloat32: "float32",
	KindFloat64: "float64",
	KindString:  "string",
	KindBytes:   "bytes",
	KindArray:   "array",
	KindMap:     "map",
	KindNodeRef: "noderef",
	KindTime:    "time",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Entry is one key/value pair of a map value. Entry order is preserved by
// the codec, which keeps encoding deterministic.
type Entry struct {
	Key   string
	Value Value
}

// Value is the tagged-variant value type. The zero Value is Null.
type Value struct {
	kind Kind
	num  uint64 // bool, ints, uints, floats (bit pattern), time (unix nanos)
	str  string // string, noderef
	raw  []byte // bytes; may alias a decoded buffer
	arr  []Value
	ent  []Entry
}

func (v Value) Kind() Kind { return v.kind }

func Null() Value { return Value{kind: KindNull} }

func Bool(b bool) Value {
	var n uint64
	if b {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

func Int8(n int8) Value   { return Value{kind: KindInt8, num: uint64(n)} }
func Int16(n int16) Value { return Value{kind: KindInt16, num: uint64(n)} }
func Int32(n int32) Value { return Value{kind: KindInt32, num: uint64(n)} }
func Int64(n int64) Value { return Value{kind: KindInt64, num: uint64(n)} }

func Uint8(n uint8) Value   { return Value{kind: KindUint8, num: uint64(n)} }
func Uint16(n uint16) Value { return Value{kind: KindUint16, num: uint64(n)} }
func Uint32(n uint32) Value { return Value{kind: KindUint32, num: uint64(n)} }
func Uint64(n uint64) Value { return Value{kind: KindUint64, num: n} }

func Float32(f float32) Value {
	return Value{kind: KindFloat32, num: uint64(math.Float32bits(f))}
}

func Float64(f float64) Value {
	return Value{kind: KindFloat64, num: math.Float64bits(f)}
}

func String(s string) Value { return Value{kind: KindString, str: s} }

// Bytes wraps b without copying. Callers must not mutate b afterwards.
func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: b} }

func Array(elems ...Value) Value { return Value{kind: KindArray, arr: elems} }

func Map(entries ...Entry) Value { return Value{kind: KindMap, ent: entries} }

// NodeRef references another node by its stable id.
func NodeRef(id string) Value { return Value{kind: KindNodeRef, str: id} }

// Time stores t at nanosecond precision in UTC.
func Time(t time.Time) Value {
	return Value{kind: KindTime, num: uint64(t.UnixNano())}
}

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() bool { return v.num != 0 }

func (v Value) Int() int64 { return int64(v.num) }

func (v Value) Uint() uint64 { return v.num }

func (v Value) Float() float64 {
	if v.kind == KindFloat32 {
		return float64(math.Float32frombits(uint32(v.num)))
	}
	return math.Float64frombits(v.num)
}

func (v Value) Str() string { return v.str }

// Raw returns the byte payload of a Bytes value. For decoded values this is
// a view into the source buffer and must be treated as read-only.
func (v Value) Raw() []byte { return v.raw }

func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindMap:
		return len(v.ent)
	case KindString, KindNodeRef:
		return len(v.str)
	case KindBytes:
		return len(v.raw)
	}
	return 0
}

func (v Value) Index(i int) Value { return v.arr[i] }

func (v Value) Elems() []Value { return v.arr }

func (v Value) Entries() []Entry { return v.ent }

// Get returns the value of the first entry with the given key.
func (v Value) Get(key string) (Value, bool) {
	for _, e := range v.ent {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

func (v Value) Time() time.Time {
	return time.Unix(0, int64(v.num)).UTC()
}

// Equal reports deep equality. Map entry order is significant: the codec
// treats maps as ordered, which is what makes encoding deterministic.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindString, KindNodeRef:
		return a.str == b.str
	case KindBytes:
		return string(a.raw) == string(b.raw)
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.ent) != len(b.ent) {
			return false
		}
		for i := range a.ent {
			if a.ent[i].Key != b.ent[i].Key || !Equal(a.ent[i].Value, b.ent[i].Value) {
				return false
			}
		}
		return true
	default:
		return a.num == b.num
	}
}
