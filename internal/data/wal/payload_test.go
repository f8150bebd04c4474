package wal

import (
	"testing"
	"time"

	"github.com/charlpcronje/FXD-sub007/internal/engine/signal"
	"github.com/charlpcronje/FXD-sub007/internal/engine/store"
	"github.com/charlpcronje/FXD-sub007/internal/engine/uarr"
)

func TestMutationPayloadRoundTrip(t *testing.T) {
	value, err := uarr.Encode(uarr.String("Alice"))
	if err != nil {
		t.Fatalf("encode value: %v", err)
	}
	m := &store.Mutation{
		Op:     store.OpCreate,
		Node:   "user.name",
		Parent: "user",
		Base:   0,
		Next:   1,
		New:    value,
		Meta:   map[string]string{"mime": "text/plain"},
	}
	typ, payload, err := EncodeMutation(m)
	if err != nil {
		t.Fatalf("encode mutation: %v", err)
	}
	if typ != TypeNodeCreate {
		t.Fatalf("expected NODE_CREATE, got %s", typ)
	}
	got, err := DecodeMutation(payload)
	if err != nil {
		t.Fatalf("decode mutation: %v", err)
	}
	if got.Op != m.Op || got.Node != m.Node || got.Parent != m.Parent ||
		got.Base != m.Base || got.Next != m.Next {
		t.Fatalf("mutation fields lost: %+v", got)
	}
	if string(got.New) != string(m.New) {
		t.Fatal("value bytes lost")
	}
	if got.Meta["mime"] != "text/plain" {
		t.Fatalf("meta lost: %v", got.Meta)
	}
}

func TestMutationTypeMapping(t *testing.T) {
	cases := map[store.Op]RecordType{
		store.OpCreate:  TypeNodeCreate,
		store.OpPatch:   TypeNodePatch,
		store.OpReplace: TypeNodePatch,
		store.OpSetMeta: TypeNodePatch,
		store.OpDelete:  TypeNodeDelete,
		store.OpLink:    TypeLinkAdd,
		store.OpUnlink:  TypeLinkDel,
	}
	for op, want := range cases {
		if got := mutationType(op); got != want {
			t.Errorf("op %s: expected %s, got %s", op, want, got)
		}
	}
}

func TestSignalPayloadRoundTrip(t *testing.T) {
	delta, err := signal.EncodeDelta(uarr.Null(), uarr.String("Alice"))
	if err != nil {
		t.Fatalf("encode delta: %v", err)
	}
	sig := signal.Signal{
		Index: 7,
		Time:  time.Date(2026, 8, 23, 9, 30, 0, 0, time.UTC),
		Kind:  signal.KindValue,
		Base:  0,
		New:   1,
		Node:  "user.name",
		Delta: delta,
	}
	payload, err := EncodeSignal(sig)
	if err != nil {
		t.Fatalf("encode signal: %v", err)
	}
	got, err := DecodeSignal(42, payload)
	if err != nil {
		t.Fatalf("decode signal: %v", err)
	}
	if got.Seq != 42 || got.Index != 7 || got.Kind != signal.KindValue ||
		got.Base != 0 || got.New != 1 || got.Node != "user.name" {
		t.Fatalf("signal fields lost: %+v", got)
	}
	if !got.Time.Equal(sig.Time) {
		t.Fatalf("timestamp lost: %v", got.Time)
	}
	oldV, newV, err := got.DecodeDelta()
	if err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if !oldV.IsNull() || newV.Str() != "Alice" {
		t.Fatalf("delta lost: old=%v new=%v", oldV, newV)
	}
}

func TestCheckpointMarkerRoundTrip(t *testing.T) {
	m := CheckpointMarker{Seq: 10, Nodes: 3, Digest: []byte{1, 2, 3}, NextIndex: 5}
	payload, err := EncodeCheckpointMarker(m)
	if err != nil {
		t.Fatalf("encode marker: %v", err)
	}
	got, err := DecodeCheckpointMarker(payload)
	if err != nil {
		t.Fatalf("decode marker: %v", err)
	}
	if got.Seq != 10 || got.Nodes != 3 || got.NextIndex != 5 || string(got.Digest) != string(m.Digest) {
		t.Fatalf("marker fields lost: %+v", got)
	}
}
