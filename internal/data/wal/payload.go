package wal

import (
	"github.com/charlpcronje/FXD-sub007/internal/core/errors"
	"github.com/charlpcronje/FXD-sub007/internal/engine/signal"
	"github.com/charlpcronje/FXD-sub007/internal/engine/store"
	"github.com/charlpcronje/FXD-sub007/internal/engine/uarr"
)

// Record payloads are themselves UArr maps, so the log has a single
// self-describing encoding end to end.

func mutationType(op store.Op) RecordType {
	switch op {
	case store.OpCreate:
		return TypeNodeCreate
	case store.OpDelete:
		return TypeNodeDelete
	case store.OpLink:
		return TypeLinkAdd
	case store.OpUnlink:
		return TypeLinkDel
	default: // patch, replace, set_meta all rewrite node state
		return TypeNodePatch
	}
}

// EncodeMutation renders a prepared mutation as a WAL record body.
func EncodeMutation(m *store.Mutation) (RecordType, []byte, error) {
	entries := []uarr.Entry{
		{Key: "op", Value: uarr.Uint8(uint8(m.Op))},
		{Key: "node", Value: uarr.String(string(m.Node))},
		{Key: "base", Value: uarr.Uint64(uint64(m.Base))},
		{Key: "next", Value: uarr.Uint64(uint64(m.Next))},
	}
	if m.Parent != "" {
		entries = append(entries, uarr.Entry{Key: "parent", Value: uarr.String(string(m.Parent))})
	}
	if m.Child != "" {
		entries = append(entries, uarr.Entry{Key: "child", Value: uarr.String(string(m.Child))})
	}
	if m.New != nil {
		entries = append(entries, uarr.Entry{Key: "value", Value: uarr.Bytes(m.New)})
	}
	if m.Meta != nil {
		metaEntries := make([]uarr.Entry, 0, len(m.Meta))
		for k, v := range m.Meta {
			metaEntries = append(metaEntries, uarr.Entry{Key: k, Value: uarr.String(v)})
		}
		entries = append(entries, uarr.Entry{Key: "meta", Value: uarr.Map(metaEntries...)})
	}
	payload, err := uarr.Encode(uarr.Map(entries...))
	if err != nil {
		return 0, nil, err
	}
	return mutationType(m.Op), payload, nil
}

// DecodeMutation rebuilds a mutation from a replayed record body.
func DecodeMutation(payload []byte) (*store.Mutation, error) {
	v, err := uarr.Decode(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeCorruption, "decode mutation payload")
	}
	op, ok := v.Get("op")
	if !ok {
		return nil, errors.New(errors.CodeCorruption, "mutation payload missing op")
	}
	m := &store.Mutation{Op: store.Op(op.Uint())}
	if f, ok := v.Get("node"); ok {
		m.Node = store.NodeID(f.Str())
	}
	if f, ok := v.Get("parent"); ok {
		m.Parent = store.NodeID(f.Str())
	}
	if f, ok := v.Get("child"); ok {
		m.Child = store.NodeID(f.Str())
	}
	if f, ok := v.Get("base"); ok {
		m.Base = store.VersionID(f.Uint())
	}
	if f, ok := v.Get("next"); ok {
		m.Next = store.VersionID(f.Uint())
	}
	if f, ok := v.Get("value"); ok {
		// Copy out of the record buffer: node values outlive replay.
		m.New = append([]byte(nil), f.Raw()...)
	}
	if f, ok := v.Get("meta"); ok {
		m.Meta = make(map[string]string, f.Len())
		for _, e := range f.Entries() {
			m.Meta[e.Key] = e.Value.Str()
		}
	}
	return m, nil
}

// EncodeSignal renders a signal as a SIGNAL record body. The dense index
// is part of the payload so cursors survive compaction and restarts.
func EncodeSignal(sig signal.Signal) ([]byte, error) {
	return uarr.Encode(uarr.Map(
		uarr.Entry{Key: "index", Value: uarr.Uint64(sig.Index)},
		uarr.Entry{Key: "ts", Value: uarr.Time(sig.Time)},
		uarr.Entry{Key: "kind", Value: uarr.Uint8(uint8(sig.Kind))},
		uarr.Entry{Key: "base", Value: uarr.Uint64(uint64(sig.Base))},
		uarr.Entry{Key: "new", Value: uarr.Uint64(uint64(sig.New))},
		uarr.Entry{Key: "node", Value: uarr.String(string(sig.Node))},
		uarr.Entry{Key: "delta", Value: uarr.Bytes(sig.Delta)},
	))
}

func DecodeSignal(seq uint64, payload []byte) (signal.Signal, error) {
	v, err := uarr.Decode(payload)
	if err != nil {
		return signal.Signal{}, errors.Wrap(err, errors.CodeCorruption, "decode signal payload")
	}
	sig := signal.Signal{Seq: seq}
	if f, ok := v.Get("index"); ok {
		sig.Index = f.Uint()
	}
	if f, ok := v.Get("ts"); ok {
		sig.Time = f.Time()
	}
	if f, ok := v.Get("kind"); ok {
		sig.Kind = signal.Kind(f.Uint())
	}
	if f, ok := v.Get("base"); ok {
		sig.Base = store.VersionID(f.Uint())
	}
	if f, ok := v.Get("new"); ok {
		sig.New = store.VersionID(f.Uint())
	}
	if f, ok := v.Get("node"); ok {
		sig.Node = store.NodeID(f.Str())
	}
	if f, ok := v.Get("delta"); ok {
		sig.Delta = append([]byte(nil), f.Raw()...)
	}
	return sig, nil
}

// CheckpointMarker is the body of a CHECKPOINT record: enough to
// cross-check the snapshot row stored beside the log.
type CheckpointMarker struct {
	Seq       uint64
	Nodes     uint64
	Digest    []byte
	NextIndex uint64
}

func EncodeCheckpointMarker(m CheckpointMarker) ([]byte, error) {
	return uarr.Encode(uarr.Map(
		uarr.Entry{Key: "seq", Value: uarr.Uint64(m.Seq)},
		uarr.Entry{Key: "nodes", Value: uarr.Uint64(m.Nodes)},
		uarr.Entry{Key: "digest", Value: uarr.Bytes(m.Digest)},
		uarr.Entry{Key: "next_index", Value: uarr.Uint64(m.NextIndex)},
	))
}

func DecodeCheckpointMarker(payload []byte) (CheckpointMarker, error) {
	v, err := uarr.Decode(payload)
	if err != nil {
		return CheckpointMarker{}, errors.Wrap(err, errors.CodeCorruption, "decode checkpoint payload")
	}
	var m CheckpointMarker
	if f, ok := v.Get("seq"); ok {
		m.Seq = f.Uint()
	}
	if f, ok := v.Get("nodes"); ok {
		m.Nodes = f.Uint()
	}
	if f, ok := v.Get("digest"); ok {
		m.Digest = append([]byte(nil), f.Raw()...)
	}
	if f, ok := v.Get("next_index"); ok {
		m.NextIndex = f.Uint()
	}
	return m, nil
}
