package wal

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/charlpcronje/FXD-sub007/internal/core/errors"
)

func openSync(t *testing.T, dir string, lastSeq uint64) *Log {
	t.Helper()
	l, err := Open(dir, lastSeq, Options{Policy: PolicySync})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return l
}

func appendN(t *testing.T, l *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := l.Append(context.Background(), TypeNodePatch, []byte{byte(i), 0xAB}); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
}

func TestAppendAssignsGaplessSequences(t *testing.T) {
	dir := t.TempDir()
	l := openSync(t, dir, 0)
	defer l.Close()

	for want := uint64(1); want <= 5; want++ {
		seq, err := l.Append(context.Background(), TypeNodeCreate, []byte("x"))
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if seq != want {
			t.Fatalf("expected seq %d, got %d", want, seq)
		}
	}
}

func TestReplayReturnsRecordsInOrder(t *testing.T) {
	dir := t.TempDir()
	l := openSync(t, dir, 0)
	appendN(t, l, 10)
	if err := l.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	var seqs []uint64
	report, err := Replay(dir, 0, RecoverFailFast, func(rec Record) error {
		seqs = append(seqs, rec.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if report.LastGoodSeq != 10 || report.Records != 10 {
		t.Fatalf("unexpected report: %+v", report)
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("record %d has seq %d", i, seq)
		}
	}
}

func TestReplaySkipsRecordsAtOrBelowCursor(t *testing.T) {
	dir := t.TempDir()
	l := openSync(t, dir, 0)
	appendN(t, l, 5)
	l.Close()

	var seqs []uint64
	if _, err := Replay(dir, 3, RecoverFailFast, func(rec Record) error {
		seqs = append(seqs, rec.Seq)
		return nil
	}); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 4 || seqs[1] != 5 {
		t.Fatalf("expected seqs [4 5], got %v", seqs)
	}
}

func flipPayloadByte(t *testing.T, dir string) {
	t.Helper()
	firsts, err := listSegments(dir)
	if err != nil || len(firsts) == 0 {
		t.Fatalf("no segments: %v", err)
	}
	path := filepath.Join(dir, segmentName(firsts[0]))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	// First record's payload starts right after the header.
	data[recordHeaderSize] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}
}

func TestReplayDetectsFlippedPayloadByte(t *testing.T) {
	dir := t.TempDir()
	l := openSync(t, dir, 0)
	appendN(t, l, 3)
	l.Close()
	flipPayloadByte(t, dir)

	report, err := Replay(dir, 0, RecoverFailFast, nil)
	if !errors.IsCode(err, errors.CodeCorruption) {
		t.Fatalf("expected CORRUPTION, got %v", err)
	}
	if !report.Corrupted || report.LastGoodSeq != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestBestEffortRecoveryStopsWithoutError(t *testing.T) {
	dir := t.TempDir()
	l := openSync(t, dir, 0)
	appendN(t, l, 3)
	l.Close()
	flipPayloadByte(t, dir)

	applied := 0
	report, err := Replay(dir, 0, RecoverBestEffort, func(Record) error {
		applied++
		return nil
	})
	if err != nil {
		t.Fatalf("best-effort replay should not fail: %v", err)
	}
	if !report.Corrupted || applied != 0 {
		t.Fatalf("expected corruption flagged with 0 applied, got %+v applied=%d", report, applied)
	}
}

func TestReplayToleratesTornTail(t *testing.T) {
	dir := t.TempDir()
	l := openSync(t, dir, 0)
	appendN(t, l, 3)
	l.Close()

	firsts, _ := listSegments(dir)
	path := filepath.Join(dir, segmentName(firsts[0]))
	data, _ := os.ReadFile(path)
	if err := os.WriteFile(path, data[:len(data)-5], 0o644); err != nil {
		t.Fatalf("truncate segment: %v", err)
	}

	report, err := Replay(dir, 0, RecoverFailFast, nil)
	if err != nil {
		t.Fatalf("torn tail should not fail replay: %v", err)
	}
	if !report.TornTail || report.LastGoodSeq != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestReplayDetectsSegmentGap(t *testing.T) {
	dir := t.TempDir()
	l := openSync(t, dir, 0)
	appendN(t, l, 2)
	if err := l.Roll(); err != nil {
		t.Fatalf("roll failed: %v", err)
	}
	appendN(t, l, 2)
	if err := l.Roll(); err != nil {
		t.Fatalf("roll failed: %v", err)
	}
	appendN(t, l, 2)
	l.Close()

	// Removing the middle segment leaves a sequence gap.
	if err := os.Remove(filepath.Join(dir, segmentName(3))); err != nil {
		t.Fatalf("remove segment: %v", err)
	}
	if _, err := Replay(dir, 0, RecoverFailFast, nil); !errors.IsCode(err, errors.CodeCorruption) {
		t.Fatalf("expected CORRUPTION, got %v", err)
	}
}

func TestSegmentRollBySize(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 0, Options{Policy: PolicySync, SegmentMaxSize: 128})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	payload := make([]byte, 64)
	for i := 0; i < 6; i++ {
		if _, err := l.Append(context.Background(), TypeNodePatch, payload); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	l.Close()

	firsts, _ := listSegments(dir)
	if len(firsts) < 3 {
		t.Fatalf("expected at least 3 segments, got %d", len(firsts))
	}
	report, err := Replay(dir, 0, RecoverFailFast, nil)
	if err != nil || report.LastGoodSeq != 6 {
		t.Fatalf("replay across segments failed: %v %+v", err, report)
	}
}

func TestRemoveSegmentsBelow(t *testing.T) {
	dir := t.TempDir()
	l := openSync(t, dir, 0)
	appendN(t, l, 3)
	if err := l.Roll(); err != nil {
		t.Fatalf("roll failed: %v", err)
	}
	appendN(t, l, 2)
	removed, err := l.RemoveSegmentsBelow(3)
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 segment removed, got %d", removed)
	}
	l.Close()

	var seqs []uint64
	if _, err := Replay(dir, 3, RecoverFailFast, func(rec Record) error {
		seqs = append(seqs, rec.Seq)
		return nil
	}); err != nil {
		t.Fatalf("replay after truncation failed: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 4 {
		t.Fatalf("expected seqs [4 5], got %v", seqs)
	}
}

func TestReopenAfterIdleSession(t *testing.T) {
	dir := t.TempDir()
	l := openSync(t, dir, 0)
	appendN(t, l, 1)
	l.Close()

	// A session that commits nothing must not leave a segment behind
	// that a later open would collide with.
	idle := openSync(t, dir, 1)
	if err := idle.Close(); err != nil {
		t.Fatalf("idle close failed: %v", err)
	}
	firsts, _ := listSegments(dir)
	if len(firsts) != 1 {
		t.Fatalf("idle session left segments: %v", firsts)
	}

	l = openSync(t, dir, 1)
	appendN(t, l, 1)
	l.Close()

	report, err := Replay(dir, 0, RecoverFailFast, nil)
	if err != nil || report.LastGoodSeq != 2 {
		t.Fatalf("replay after idle session failed: %v %+v", err, report)
	}
}

func TestTruncateTornKeepsLaterReplaysClean(t *testing.T) {
	dir := t.TempDir()
	l := openSync(t, dir, 0)
	appendN(t, l, 3)
	l.Close()

	firsts, _ := listSegments(dir)
	path := filepath.Join(dir, segmentName(firsts[0]))
	data, _ := os.ReadFile(path)
	if err := os.WriteFile(path, data[:len(data)-5], 0o644); err != nil {
		t.Fatalf("truncate segment: %v", err)
	}

	report, err := Replay(dir, 0, RecoverFailFast, nil)
	if err != nil || !report.TornTail {
		t.Fatalf("expected torn tail, got %v %+v", err, report)
	}
	if err := TruncateTorn(dir, report); err != nil {
		t.Fatalf("truncate torn failed: %v", err)
	}

	// New writes push the torn segment out of final position; the torn
	// bytes must be gone or the next replay would read them as mid-log
	// corruption.
	l = openSync(t, dir, report.LastGoodSeq)
	appendN(t, l, 2)
	l.Close()

	report, err = Replay(dir, 0, RecoverFailFast, nil)
	if err != nil {
		t.Fatalf("replay after truncation failed: %v", err)
	}
	if report.TornTail || report.Corrupted || report.LastGoodSeq != 4 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestStaleLockReclaimed(t *testing.T) {
	t.Run("DeadPid", func(t *testing.T) {
		dir := t.TempDir()
		cmd := exec.Command("true")
		if err := cmd.Run(); err != nil {
			t.Skipf("cannot spawn helper process: %v", err)
		}
		lockPath := filepath.Join(dir, lockFileName)
		if err := os.WriteFile(lockPath, []byte(strconv.Itoa(cmd.Process.Pid)+"\n"), 0o644); err != nil {
			t.Fatalf("write lock: %v", err)
		}

		l, err := Open(dir, 0, Options{Policy: PolicySync})
		if err != nil {
			t.Fatalf("open should reclaim a dead writer's lock: %v", err)
		}
		l.Close()
	})

	t.Run("EmptyLock", func(t *testing.T) {
		// A writer that crashed between creating the file and recording
		// its pid.
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, lockFileName), nil, 0o644); err != nil {
			t.Fatalf("write lock: %v", err)
		}
		l, err := Open(dir, 0, Options{Policy: PolicySync})
		if err != nil {
			t.Fatalf("open should reclaim an empty lock: %v", err)
		}
		l.Close()
	})
}

func TestSecondWriterRejected(t *testing.T) {
	dir := t.TempDir()
	l := openSync(t, dir, 0)
	defer l.Close()

	if _, err := Open(dir, 0, Options{Policy: PolicySync}); !errors.IsCode(err, errors.CodeDurability) {
		t.Fatalf("expected DURABILITY lock error, got %v", err)
	}
}

func TestBatchedPolicyAcknowledgesWithinInterval(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 0, Options{Policy: PolicyBatched, BatchInterval: 2 * time.Millisecond})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer l.Close()

	done := make(chan error, 1)
	go func() {
		_, err := l.Append(context.Background(), TypeNodeCreate, []byte("x"))
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("batched append failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("batched append did not acknowledge")
	}
}

func TestSyncBarrierFlushesAsyncAppends(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 0, Options{Policy: PolicyAsync})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := l.Append(context.Background(), TypeNodeCreate, []byte("x")); err != nil {
		t.Fatalf("async append failed: %v", err)
	}
	if err := l.Sync(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	l.Close()

	report, err := Replay(dir, 0, RecoverFailFast, nil)
	if err != nil || report.LastGoodSeq != 1 {
		t.Fatalf("record not durable after sync: %v %+v", err, report)
	}
}

func TestAppendBatchSharesOneDurabilityWait(t *testing.T) {
	dir := t.TempDir()
	l := openSync(t, dir, 0)
	defer l.Close()

	seqs, err := l.AppendBatch(context.Background(), []Record{
		{Type: TypeNodePatch, Payload: []byte("a")},
		{Type: TypeSignal, Payload: []byte("b")},
	})
	if err != nil {
		t.Fatalf("append batch failed: %v", err)
	}
	if len(seqs) != 2 || seqs[1] != seqs[0]+1 {
		t.Fatalf("expected adjacent seqs, got %v", seqs)
	}
}

func TestFollowerObservesAppends(t *testing.T) {
	dir := t.TempDir()
	l := openSync(t, dir, 0)
	defer l.Close()
	appendN(t, l, 2)

	got := make(chan uint64, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- NewFollower(dir, 0).Run(ctx, func(rec Record) error {
			got <- rec.Seq
			return nil
		})
	}()

	for want := uint64(1); want <= 2; want++ {
		select {
		case seq := <-got:
			if seq != want {
				t.Fatalf("expected seq %d, got %d", want, seq)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("follower missed backlog record")
		}
	}

	appendN(t, l, 1)
	select {
	case seq := <-got:
		if seq != 3 {
			t.Fatalf("expected seq 3, got %d", seq)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follower missed live append")
	}
	cancel()
	if err := <-errCh; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
