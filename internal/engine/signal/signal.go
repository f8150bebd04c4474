// Package signal implements the durable change feed layered on WAL
// commits. Every committed mutation produces exactly one Signal; signals
// are addressed by a dense, 1-based index which subscribers use as their
// cursor. The WAL sequence of the backing SIGNAL record is carried along
// for diagnostics, but cursors are stable across compaction because the
// index is part of the durable record payload.
package signal

import (
	"time"

	"github.com/gobwas/glob"

	"github.com/charlpcronje/FXD-sub007/internal/core/errors"
	"github.com/charlpcronje/FXD-sub007/internal/engine/store"
	"github.com/charlpcronje/FXD-sub007/internal/engine/uarr"
)

// Kind classifies what part of a node a signal describes.
type Kind uint8

const (
	KindValue Kind = iota + 1
	KindChildren
	KindMetadata
	KindCustom
)

var kindNames = map[Kind]string{
	KindValue:    "value",
	KindChildren: "children",
	KindMetadata: "metadata",
	KindCustom:   "custom",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Signal describes exactly one committed mutation. Base and New are the
// pre/post versions of the mutated node; Delta is a UArr map with "old"
// and "new" entries spanning the change.
type Signal struct {
	Index uint64
	Seq   uint64
	Time  time.Time
	Kind  Kind
	Base  store.VersionID
	New   store.VersionID
	Node  store.NodeID
	Delta []byte
}

// DecodeDelta unpacks the old/new pair of a signal delta.
func (s Signal) DecodeDelta() (oldV, newV uarr.Value, err error) {
	v, err := uarr.Decode(s.Delta)
	if err != nil {
		return uarr.Null(), uarr.Null(), err
	}
	if v.Kind() != uarr.KindMap {
		return uarr.Null(), uarr.Null(), errors.New(errors.CodeFormatError, "signal delta is not a map")
	}
	o, _ := v.Get("old")
	n, _ := v.Get("new")
	return o, n, nil
}

// EncodeDelta builds the old/new delta payload of a signal.
func EncodeDelta(oldV, newV uarr.Value) ([]byte, error) {
	return uarr.Encode(uarr.Map(
		uarr.Entry{Key: "old", Value: oldV},
		uarr.Entry{Key: "new", Value: newV},
	))
}

// Filter restricts a subscription by kind and/or a node-id glob pattern
// (e.g. "user.*"). The zero Filter matches everything.
type Filter struct {
	Kinds   []Kind
	Pattern string
}

type compiledFilter struct {
	kinds   map[Kind]struct{}
	pattern glob.Glob
}

func (f Filter) compile() (compiledFilter, error) {
	var cf compiledFilter
	if len(f.Kinds) > 0 {
		cf.kinds = make(map[Kind]struct{}, len(f.Kinds))
		for _, k := range f.Kinds {
			cf.kinds[k] = struct{}{}
		}
	}
	if f.Pattern != "" {
		g, err := glob.Compile(f.Pattern, '.')
		if err != nil {
			return cf, errors.Wrap(err, errors.CodeInvalidValue, "bad node pattern")
		}
		cf.pattern = g
	}
	return cf, nil
}

func (cf compiledFilter) matches(s Signal) bool {
	if cf.kinds != nil {
		if _, ok := cf.kinds[s.Kind]; !ok {
			return false
		}
	}
	if cf.pattern != nil && !cf.pattern.Match(string(s.Node)) {
		return false
	}
	return true
}
