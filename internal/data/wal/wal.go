package wal

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charlpcronje/FXD-sub007/internal/core/errors"
	"github.com/charlpcronje/FXD-sub007/internal/shared/observability"
)

// Policy selects when an append is acknowledged as durable.
type Policy string

const (
	// PolicySync fsyncs every record before the append returns.
	PolicySync Policy = "sync"
	// PolicyBatched groups appends and acknowledges after a bounded
	// interval or batch-size threshold. This is the default.
	PolicyBatched Policy = "batched"
	// PolicyAsync acknowledges immediately; the most recent unflushed
	// records may be lost on crash.
	PolicyAsync Policy = "async"
)

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"
	lockFileName  = "LOCK"

	defaultBatchInterval  = 5 * time.Millisecond
	defaultBatchMax       = 128
	defaultSegmentMaxSize = 16 << 20
)

type Options struct {
	Policy         Policy
	BatchInterval  time.Duration
	BatchMax       int
	SegmentMaxSize int64
}

func (o *Options) applyDefaults() {
	if o.Policy == "" {
		o.Policy = PolicyBatched
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = defaultBatchInterval
	}
	if o.BatchMax <= 0 {
		o.BatchMax = defaultBatchMax
	}
	if o.SegmentMaxSize <= 0 {
		o.SegmentMaxSize = defaultSegmentMaxSize
	}
}

// Log is the single-writer append log. The directory is exclusively owned
// via a LOCK file for the lifetime of the Log; a second live writer fails
// to open, while a lock left behind by a dead process is reclaimed. The
// first append after Open starts a fresh segment beginning at lastSeq+1;
// a session that never appends leaves no segment behind.
type Log struct {
	dir  string
	opts Options

	mu       sync.Mutex
	file     *os.File
	w        *bufio.Writer
	seq      uint64 // last assigned sequence
	segFirst uint64
	segSize  int64
	waiters  []chan error
	closed   bool

	lock    *os.File
	flushCh chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
}

// Open acquires the directory lock. The first record appended will carry
// lastSeq+1; the segment is created lazily so an idle session does not
// collide with its own leftover on the next open. Recovery (Replay) must
// run before Open to establish lastSeq.
func Open(dir string, lastSeq uint64, opts Options) (*Log, error) {
	opts.applyDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CodeDurability, "create wal directory")
	}

	lock, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}

	l := &Log{
		dir:     dir,
		opts:    opts,
		seq:     lastSeq,
		lock:    lock,
		flushCh: make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	if opts.Policy != PolicySync {
		l.wg.Add(1)
		go l.flusher()
	}
	slog.Info("wal opened", "dir", dir, "lastSeq", lastSeq, "policy", string(opts.Policy))
	return l, nil
}

// acquireLock takes the writer lock, reclaiming a lock file whose recorded
// pid no longer names a live process.
func acquireLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, lockFileName)
	for attempt := 0; ; attempt++ {
		lock, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(lock, "%d\n", os.Getpid())
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrap(err, errors.CodeDurability, "acquire wal lock")
		}
		if attempt == 0 && lockIsStale(path) {
			slog.Warn("reclaiming wal lock from dead writer", "path", path)
			os.Remove(path)
			continue
		}
		return nil, errors.Newf(errors.CodeDurability,
			"wal directory %q is locked by another writer (remove %s if stale)", dir, lockFileName)
	}
}

// lockIsStale reports whether the lock file's pid is dead. A lock with no
// readable pid is treated as stale: the writer crashed between creating
// the file and recording itself.
func lockIsStale(path string) bool {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return proc.Signal(syscall.Signal(0)) != nil
}

func segmentName(firstSeq uint64) string {
	return fmt.Sprintf("%s%016x%s", segmentPrefix, firstSeq, segmentSuffix)
}

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	hex := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	n, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var firsts []uint64
	for _, e := range entries {
		if first, ok := parseSegmentName(e.Name()); ok {
			firsts = append(firsts, first)
		}
	}
	sort.Slice(firsts, func(i, j int) bool { return firsts[i] < firsts[j] })
	return firsts, nil
}

func (l *Log) openSegmentLocked(firstSeq uint64) error {
	path := filepath.Join(l.dir, segmentName(firstSeq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		// A same-named segment can only hold bytes replay never verified
		// (a torn first record); anything acknowledged would have raised
		// lastSeq past this name. Safe to start over.
		slog.Warn("wal segment exists with no verified records, truncating", "path", path)
		f, err = os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	}
	if err != nil {
		return errors.Wrap(err, errors.CodeDurability, "create wal segment")
	}
	l.file = f
	l.w = bufio.NewWriter(f)
	l.segFirst = firstSeq
	l.segSize = 0
	observability.WALSegmentsCreatedTotal.Inc()
	slog.Debug("wal segment opened", "path", path, "firstSeq", firstSeq)
	return nil
}

// Append writes one record and blocks per the durability policy. The
// returned sequence is only meaningful when err is nil; any error means
// the record must not be considered committed.
func (l *Log) Append(ctx context.Context, typ RecordType, payload []byte) (uint64, error) {
	seqs, err := l.AppendBatch(ctx, []Record{{Type: typ, Payload: payload}})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch writes several records as one unit: they are buffered
// together and acknowledged by the same durability wait, so either all of
// them reach the log or (on a write error) none are acknowledged.
func (l *Log) AppendBatch(ctx context.Context, recs []Record) ([]uint64, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, errors.New(errors.CodeClosed, "wal is closed")
	}

	if l.file == nil {
		if err := l.openSegmentLocked(l.seq + 1); err != nil {
			l.mu.Unlock()
			return nil, err
		}
	}

	seqs := make([]uint64, len(recs))
	for i := range recs {
		// Roll before assigning the sequence so the new segment's name
		// matches its first record.
		if l.segSize > 0 && l.segSize+int64(recs[i].encodedSize()) > l.opts.SegmentMaxSize {
			if err := l.rollLocked(); err != nil {
				l.mu.Unlock()
				return nil, err
			}
		}
		l.seq++
		recs[i].Seq = l.seq
		seqs[i] = l.seq

		encoded := recs[i].encode()
		if _, err := l.w.Write(encoded); err != nil {
			l.mu.Unlock()
			return nil, errors.Wrap(err, errors.CodeDurability, "write wal record")
		}
		l.segSize += int64(len(encoded))
		observability.WALAppendsTotal.Inc()
		observability.WALAppendBytesTotal.Add(float64(len(encoded)))
	}

	switch l.opts.Policy {
	case PolicySync:
		err := l.flushLocked(true)
		l.mu.Unlock()
		return seqs, err
	case PolicyAsync:
		l.mu.Unlock()
		l.kickFlusher()
		return seqs, nil
	default: // PolicyBatched
		if len(l.waiters) >= l.opts.BatchMax-1 {
			err := l.flushLocked(true)
			l.notifyLocked(err)
			l.mu.Unlock()
			return seqs, err
		}
		ch := make(chan error, 1)
		l.waiters = append(l.waiters, ch)
		l.mu.Unlock()
		l.kickFlusher()

		select {
		case err := <-ch:
			return seqs, err
		case <-ctx.Done():
			// The record may still become durable; the caller must treat
			// the store as possibly inconsistent.
			return seqs, errors.Wrap(ctx.Err(), errors.CodeDurability,
				"append abandoned while awaiting group commit")
		}
	}
}

// Sync is the explicit durability barrier: it flushes and fsyncs
// everything appended so far.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New(errors.CodeClosed, "wal is closed")
	}
	err := l.flushLocked(true)
	l.notifyLocked(err)
	return err
}

// Roll closes the active segment and starts a new one at seq+1.
func (l *Log) Roll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New(errors.CodeClosed, "wal is closed")
	}
	return l.rollLocked()
}

func (l *Log) rollLocked() error {
	if l.file == nil {
		return nil // nothing written; the next append starts fresh anyway
	}
	if err := l.flushLocked(true); err != nil {
		return err
	}
	l.notifyLocked(nil)
	if err := l.file.Close(); err != nil {
		return errors.Wrap(err, errors.CodeDurability, "close wal segment")
	}
	return l.openSegmentLocked(l.seq + 1)
}

// RemoveSegmentsBelow deletes every closed segment whose records all have
// sequence at or below seq. The active segment is never removed.
func (l *Log) RemoveSegmentsBelow(seq uint64) (int, error) {
	l.mu.Lock()
	active := l.segFirst
	l.mu.Unlock()

	firsts, err := listSegments(l.dir)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeDurability, "list wal segments")
	}
	removed := 0
	for i, first := range firsts {
		if first == active {
			continue
		}
		// A segment's records end where the next segment begins.
		var end uint64
		if i+1 < len(firsts) {
			end = firsts[i+1] - 1
		} else {
			continue
		}
		if end <= seq {
			path := filepath.Join(l.dir, segmentName(first))
			if err := os.Remove(path); err != nil {
				return removed, errors.Wrap(err, errors.CodeDurability, "remove wal segment")
			}
			removed++
			slog.Debug("wal segment removed", "path", path)
		}
	}
	return removed, nil
}

func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

func (l *Log) Dir() string { return l.dir }

func (l *Log) flushLocked(sync bool) error {
	if l.file == nil {
		return nil
	}
	start := time.Now()
	if err := l.w.Flush(); err != nil {
		return errors.Wrap(err, errors.CodeDurability, "flush wal buffer")
	}
	if sync {
		if err := l.file.Sync(); err != nil {
			return errors.Wrap(err, errors.CodeDurability, "fsync wal segment")
		}
	}
	observability.WALFsyncSeconds.Observe(time.Since(start).Seconds())
	return nil
}

func (l *Log) notifyLocked(err error) {
	for _, ch := range l.waiters {
		ch <- err
	}
	l.waiters = l.waiters[:0]
}

func (l *Log) kickFlusher() {
	select {
	case l.flushCh <- struct{}{}:
	default:
	}
}

func (l *Log) flusher() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.doneCh:
			return
		case <-ticker.C:
		case <-l.flushCh:
			// Wait out the batch window before syncing so concurrent
			// appends can join the group.
			select {
			case <-time.After(l.opts.BatchInterval):
			case <-l.doneCh:
			}
		}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		var err error
		if (l.w != nil && l.w.Buffered() > 0) || len(l.waiters) > 0 {
			err = l.flushLocked(true)
		}
		l.notifyLocked(err)
		l.mu.Unlock()
		if err != nil {
			slog.Error("wal background flush failed", "error", err)
		}
	}
}

// Close flushes, fsyncs, releases the directory lock and closes the
// active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	flushErr := l.flushLocked(true)
	l.notifyLocked(flushErr)
	l.closed = true
	l.mu.Unlock()

	close(l.doneCh)
	l.wg.Wait()

	var closeErr error
	if l.file != nil {
		closeErr = l.file.Close()
	}
	l.lock.Close()
	lockErr := os.Remove(filepath.Join(l.dir, lockFileName))

	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, errors.CodeDurability, "close wal segment")
	}
	if lockErr != nil {
		return errors.Wrap(lockErr, errors.CodeDurability, "release wal lock")
	}
	slog.Info("wal closed", "dir", l.dir, "lastSeq", l.seq)
	return nil
}
