package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/charlpcronje/FXD-sub007/internal/core/errors"
	"github.com/charlpcronje/FXD-sub007/internal/data/wal"
	"github.com/charlpcronje/FXD-sub007/internal/engine/store"
	"github.com/charlpcronje/FXD-sub007/internal/engine/uarr"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleNodes(t *testing.T) []*store.Node {
	t.Helper()
	value, err := uarr.Encode(uarr.String("Bob"))
	if err != nil {
		t.Fatalf("encode value: %v", err)
	}
	return []*store.Node{
		{ID: "user", Version: 3, Children: []store.NodeID{"user.name"}},
		{ID: "user.name", Parent: "user", Value: value, Version: 2,
			Meta: map[string]string{"mime": "text/plain"}},
	}
}

func TestSaveAndLatest(t *testing.T) {
	s := openStore(t)
	cp := &Checkpoint{
		Seq:        12,
		NextIndex:  7,
		Nodes:      sampleNodes(t),
		Tombstones: []store.NodeID{"user.old"},
	}
	if err := s.Save(cp); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := s.Latest()
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if got.Seq != 12 || got.NextIndex != 7 {
		t.Fatalf("unexpected checkpoint header: %+v", got)
	}
	if len(got.Nodes) != 2 || len(got.Tombstones) != 1 {
		t.Fatalf("snapshot content lost: %d nodes, %d tombstones", len(got.Nodes), len(got.Tombstones))
	}
	// Nodes come back sorted by id.
	if got.Nodes[0].ID != "user" || got.Nodes[1].ID != "user.name" {
		t.Fatalf("unexpected node order: %v %v", got.Nodes[0].ID, got.Nodes[1].ID)
	}
	n := got.Nodes[1]
	if n.Parent != "user" || n.Version != 2 || n.Meta["mime"] != "text/plain" {
		t.Fatalf("node fields lost: %+v", n)
	}
	v, err := uarr.Decode(n.Value)
	if err != nil || v.Str() != "Bob" {
		t.Fatalf("node value lost: %v %v", v, err)
	}
}

func TestLatestOnEmptyStore(t *testing.T) {
	s := openStore(t)
	got, err := s.Latest()
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil checkpoint, got %+v", got)
	}
}

func TestLatestReturnsNewest(t *testing.T) {
	s := openStore(t)
	for _, seq := range []uint64{5, 20, 11} {
		if err := s.Save(&Checkpoint{Seq: seq, Nodes: sampleNodes(t)}); err != nil {
			t.Fatalf("save seq %d failed: %v", seq, err)
		}
	}
	got, err := s.Latest()
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if got.Seq != 20 {
		t.Fatalf("expected seq 20, got %d", got.Seq)
	}
}

func TestDigestMismatchDetected(t *testing.T) {
	s := openStore(t)
	if err := s.Save(&Checkpoint{Seq: 1, Nodes: sampleNodes(t)}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE checkpoints SET digest = x'00' WHERE seq = 1`); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}
	if _, err := s.Latest(); !errors.IsCode(err, errors.CodeCorruption) {
		t.Fatalf("expected CORRUPTION, got %v", err)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	s := openStore(t)
	for seq := uint64(1); seq <= 5; seq++ {
		if err := s.Save(&Checkpoint{Seq: seq}); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	removed, err := s.Prune(2)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	got, _ := s.Latest()
	if got.Seq != 5 {
		t.Fatalf("newest checkpoint lost: %+v", got)
	}
}

func TestSaveRecoveryReport(t *testing.T) {
	s := openStore(t)
	err := s.SaveRecoveryReport(&wal.RecoveryReport{
		Time:        time.Now().UTC(),
		LastGoodSeq: 9,
		Records:     9,
		Corrupted:   true,
		Segment:     "wal-0000000000000001.log",
		Offset:      180,
		Reason:      "record 10 crc mismatch",
	})
	if err != nil {
		t.Fatalf("save report failed: %v", err)
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM recovery_reports`).Scan(&count); err != nil || count != 1 {
		t.Fatalf("report row missing: count=%d err=%v", count, err)
	}
}

func TestDigestIsDeterministic(t *testing.T) {
	s := openStore(t)
	cp1 := &Checkpoint{Seq: 1, Nodes: sampleNodes(t)}
	// Same content in reverse declaration order.
	nodes := sampleNodes(t)
	cp2 := &Checkpoint{Seq: 2, Nodes: []*store.Node{nodes[1], nodes[0]}}
	if err := s.Save(cp1); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := s.Save(cp2); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if string(cp1.Digest) != string(cp2.Digest) {
		t.Fatal("digest depends on node declaration order")
	}
}
