package wal

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/charlpcronje/FXD-sub007/internal/core/errors"
)

// Follower tails a WAL directory owned by another process, read-only. It
// replays everything already on disk, then wakes on filesystem events to
// deliver newly appended records. It never takes the writer lock.
type Follower struct {
	dir      string
	lastSeq  uint64
	debounce time.Duration
}

func NewFollower(dir string, afterSeq uint64) *Follower {
	return &Follower{dir: dir, lastSeq: afterSeq, debounce: 50 * time.Millisecond}
}

// Run blocks until ctx is cancelled or the callback returns an error.
// Records arrive in sequence order, exactly once. A torn tail is expected
// while the writer is mid-append and is retried on the next event.
func (f *Follower) Run(ctx context.Context, fn func(Record) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errors.CodeDurability, "create wal watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(f.dir); err != nil {
		return errors.Wrap(err, errors.CodeDurability, "watch wal directory")
	}

	if err := f.catchUp(fn); err != nil {
		return err
	}

	// Fallback poll covers missed events and platforms with coarse
	// notification granularity.
	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending == nil {
				pending = time.After(f.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("wal watcher error", "error", err)
		case <-pending:
			pending = nil
			if err := f.catchUp(fn); err != nil {
				return err
			}
		case <-poll.C:
			if err := f.catchUp(fn); err != nil {
				return err
			}
		}
	}
}

func (f *Follower) catchUp(fn func(Record) error) error {
	report, err := Replay(f.dir, f.lastSeq, RecoverFailFast, fn)
	if err != nil {
		return err
	}
	if report.LastGoodSeq > f.lastSeq {
		f.lastSeq = report.LastGoodSeq
	}
	return nil
}
