package signal

import (
	"testing"
	"time"

	"github.com/charlpcronje/FXD-sub007/internal/engine/store"
	"github.com/charlpcronje/FXD-sub007/internal/engine/uarr"
)

func publishValue(t *testing.T, s *Stream, node store.NodeID, base store.VersionID, oldV, newV uarr.Value) Signal {
	t.Helper()
	delta, err := EncodeDelta(oldV, newV)
	if err != nil {
		t.Fatalf("encode delta: %v", err)
	}
	sig := Signal{
		Index: s.NextIndex(),
		Time:  time.Now().UTC(),
		Kind:  KindValue,
		Base:  base,
		New:   base + 1,
		Node:  node,
		Delta: delta,
	}
	s.Publish(sig)
	return sig
}

func recv(t *testing.T, sub *Subscription) Signal {
	t.Helper()
	select {
	case sig := <-sub.C():
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
		return Signal{}
	}
}

// Subscribing while commits are in flight must never let a live signal
// into the buffer ahead of the older backlog.
func TestSubscribeOrderedUnderConcurrentPublish(t *testing.T) {
	s := NewStream(Options{BufferSize: 512})
	delta, err := EncodeDelta(uarr.Null(), uarr.Int64(1))
	if err != nil {
		t.Fatalf("encode delta: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 300; i++ {
			s.Publish(Signal{
				Index: s.NextIndex(),
				Time:  time.Now().UTC(),
				Kind:  KindValue,
				Node:  "n",
				Delta: delta,
			})
		}
	}()

	for i := 0; i < 20; i++ {
		sub, err := s.Subscribe(0, Filter{})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		// The buffer is larger than the publish count, so whatever is
		// buffered at this instant must be the dense prefix 1..n.
		var last uint64
		for n := len(sub.C()); n > 0; n-- {
			sig := <-sub.C()
			if sig.Index != last+1 {
				t.Fatalf("subscription %d: got index %d after %d", i, sig.Index, last)
			}
			last = sig.Index
		}
		sub.Cancel()
	}
	<-done
}

func TestReadAfterCursor(t *testing.T) {
	s := NewStream(Options{})
	publishValue(t, s, "a", 0, uarr.Null(), uarr.Int64(1))
	publishValue(t, s, "b", 0, uarr.Null(), uarr.Int64(2))
	publishValue(t, s, "c", 0, uarr.Null(), uarr.Int64(3))

	all, err := s.Read(0, Filter{})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 signals, got %d", len(all))
	}
	rest, err := s.Read(1, Filter{})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(rest) != 2 || rest[0].Index != 2 || rest[1].Index != 3 {
		t.Fatalf("expected signals 2 and 3, got %+v", rest)
	}
}

func TestIndexesAreDense(t *testing.T) {
	s := NewStream(Options{})
	for i := 0; i < 5; i++ {
		publishValue(t, s, "n", store.VersionID(i), uarr.Null(), uarr.Int64(int64(i)))
	}
	sigs, _ := s.Read(0, Filter{})
	for i, sig := range sigs {
		if sig.Index != uint64(i+1) {
			t.Fatalf("expected index %d, got %d", i+1, sig.Index)
		}
	}
	if s.NextIndex() != 6 {
		t.Errorf("expected next index 6, got %d", s.NextIndex())
	}
}

func TestSubscribeReplaysBacklogThenTail(t *testing.T) {
	s := NewStream(Options{})
	publishValue(t, s, "a", 0, uarr.Null(), uarr.Int64(1))
	publishValue(t, s, "b", 0, uarr.Null(), uarr.Int64(2))

	sub, err := s.Subscribe(1, Filter{})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Cancel()

	if sig := recv(t, sub); sig.Node != "b" || sig.Index != 2 {
		t.Fatalf("unexpected backlog signal %+v", sig)
	}
	publishValue(t, s, "c", 0, uarr.Null(), uarr.Int64(3))
	if sig := recv(t, sub); sig.Node != "c" || sig.Index != 3 {
		t.Fatalf("unexpected live signal %+v", sig)
	}
}

func TestFilterByKindAndPattern(t *testing.T) {
	s := NewStream(Options{})
	publishValue(t, s, "user.name", 0, uarr.Null(), uarr.String("Alice"))
	publishValue(t, s, "other", 0, uarr.Null(), uarr.Int64(1))

	meta := Signal{
		Index: s.NextIndex(), Time: time.Now().UTC(), Kind: KindMetadata,
		Node: "user.name", Base: 1, New: 2,
	}
	s.Publish(meta)

	byPattern, err := s.Read(0, Filter{Pattern: "user.*"})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(byPattern) != 2 {
		t.Fatalf("expected 2 signals for user.*, got %d", len(byPattern))
	}

	byKind, err := s.Read(0, Filter{Kinds: []Kind{KindMetadata}})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(byKind) != 1 || byKind[0].Kind != KindMetadata {
		t.Fatalf("expected one metadata signal, got %+v", byKind)
	}

	if _, err := s.Read(0, Filter{Pattern: "[bad"}); err == nil {
		t.Error("expected error for malformed pattern")
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	s := NewStream(Options{BufferSize: 2})
	sub, err := s.Subscribe(0, Filter{})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Cancel()

	// Nobody reads: the buffer holds the newest two, the rest are dropped.
	for i := 0; i < 5; i++ {
		publishValue(t, s, "n", store.VersionID(i), uarr.Null(), uarr.Int64(int64(i)))
	}
	if got := sub.Dropped(); got != 3 {
		t.Fatalf("expected 3 dropped, got %d", got)
	}
	if sig := recv(t, sub); sig.Index != 4 {
		t.Fatalf("expected oldest surviving signal 4, got %d", sig.Index)
	}
	if sig := recv(t, sub); sig.Index != 5 {
		t.Fatalf("expected newest signal 5, got %d", sig.Index)
	}

	// The retained window still has everything for a cursor replay.
	all, _ := s.Read(0, Filter{})
	if len(all) != 5 {
		t.Fatalf("retained window lost signals: %d", len(all))
	}
}

func TestTruncateDropsOldRetained(t *testing.T) {
	s := NewStream(Options{})
	for i := 0; i < 4; i++ {
		publishValue(t, s, "n", store.VersionID(i), uarr.Null(), uarr.Int64(int64(i)))
	}
	s.Truncate(2)
	sigs, _ := s.Read(0, Filter{})
	if len(sigs) != 2 || sigs[0].Index != 3 {
		t.Fatalf("expected signals 3 and 4 after truncate, got %+v", sigs)
	}
}

func TestRestoreRebuildsWindowAndIndex(t *testing.T) {
	s := NewStream(Options{})
	s.AdvanceTo(7)
	s.Restore(Signal{Index: 7, Node: "a", Kind: KindValue})
	s.Restore(Signal{Index: 8, Node: "b", Kind: KindValue})

	if s.NextIndex() != 9 {
		t.Fatalf("expected next index 9, got %d", s.NextIndex())
	}
	sigs, _ := s.Read(7, Filter{})
	if len(sigs) != 1 || sigs[0].Node != "b" {
		t.Fatalf("unexpected signals after restore: %+v", sigs)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	s := NewStream(Options{})
	sub, _ := s.Subscribe(0, Filter{})
	sub.Cancel()
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel after cancel")
	}
	// Cancel is idempotent.
	sub.Cancel()
}

func TestCoalescingMergesSameNode(t *testing.T) {
	s := NewStream(Options{Coalescing: true, CoalesceWindow: int64(50 * time.Millisecond)})
	defer s.Close()
	sub, err := s.Subscribe(0, Filter{})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	publishValue(t, s, "n", 0, uarr.Null(), uarr.Int64(1))
	publishValue(t, s, "n", 1, uarr.Int64(1), uarr.Int64(2))
	publishValue(t, s, "n", 2, uarr.Int64(2), uarr.Int64(3))

	sig := recv(t, sub)
	if sig.Base != 0 || sig.New != 3 {
		t.Fatalf("expected merged span 0 -> 3, got %d -> %d", sig.Base, sig.New)
	}
	oldV, newV, err := sig.DecodeDelta()
	if err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if oldV.Kind() != uarr.KindNull || newV.Int() != 3 {
		t.Fatalf("merged delta wrong: old kind %d, new %d", oldV.Kind(), newV.Int())
	}

	// The retained window keeps every individual signal.
	all, _ := s.Read(0, Filter{})
	if len(all) != 3 {
		t.Fatalf("retained window coalesced: %d", len(all))
	}
}

func TestCoalescingKeepsDistinctNodesApart(t *testing.T) {
	s := NewStream(Options{Coalescing: true, CoalesceWindow: int64(50 * time.Millisecond)})
	defer s.Close()
	sub, _ := s.Subscribe(0, Filter{})

	publishValue(t, s, "a", 0, uarr.Null(), uarr.Int64(1))
	publishValue(t, s, "b", 0, uarr.Null(), uarr.Int64(2))

	seen := map[store.NodeID]bool{}
	for i := 0; i < 2; i++ {
		seen[recv(t, sub).Node] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected one signal per node, saw %v", seen)
	}
}
