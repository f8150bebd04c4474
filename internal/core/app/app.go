// Package app wires the node store, write-ahead log, signal stream and
// checkpoint sidecar into one lifecycle. It owns the commit path: every
// mutation is prepared against the store, written to the log together with
// its signal, applied, and only then published. Commits are serialized; a
// failed append leaves the process in a failed state that refuses writes
// until the log is replayed by a fresh Open.
package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/charlpcronje/FXD-sub007/internal/config"
	"github.com/charlpcronje/FXD-sub007/internal/core/errors"
	"github.com/charlpcronje/FXD-sub007/internal/core/ports"
	"github.com/charlpcronje/FXD-sub007/internal/data/checkpoint"
	"github.com/charlpcronje/FXD-sub007/internal/data/wal"
	"github.com/charlpcronje/FXD-sub007/internal/engine/signal"
	"github.com/charlpcronje/FXD-sub007/internal/engine/store"
	"github.com/charlpcronje/FXD-sub007/internal/engine/uarr"
	"github.com/charlpcronje/FXD-sub007/internal/shared/observability"
)

const (
	walSubdir      = "wal"
	checkpointFile = "checkpoints.db"

	// Pacing for signal re-logging during compaction, so a large retained
	// window does not monopolize the log.
	signalRewriteRate  = 8192
	signalRewriteBurst = 512
)

type App struct {
	cfg    *config.Config
	store  *store.Store
	wal    *wal.Log
	stream *signal.Stream
	ckpts  *checkpoint.Store

	commitMu sync.Mutex
	failed   atomic.Bool
	closed   atomic.Bool

	report        *wal.RecoveryReport
	openedFrom    uint64 // checkpoint sequence replay resumed after
	checkpointSeq atomic.Uint64
	limiter       *rate.Limiter
}

// Open loads the newest checkpoint, replays the log past it, and takes
// ownership of the data directory for writing. On fail_fast recovery a
// damaged log aborts the open with a CORRUPTION error; the recovery
// report is persisted in the sidecar either way.
func Open(cfg *config.Config) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CodeDurability, "create data directory")
	}
	ckpts, err := checkpoint.Open(filepath.Join(cfg.DataDir, checkpointFile))
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:    cfg,
		store:  store.New(),
		stream: signal.NewStream(signal.Options{
			BufferSize:     cfg.Signals.BufferSize,
			Coalescing:     cfg.Signals.Coalescing,
			CoalesceWindow: int64(cfg.Signals.CoalesceWindow),
		}),
		ckpts:   ckpts,
		limiter: rate.NewLimiter(rate.Limit(signalRewriteRate), signalRewriteBurst),
	}

	cp, err := ckpts.Latest()
	if err != nil {
		_ = ckpts.Close()
		return nil, err
	}
	var afterSeq uint64
	if cp != nil {
		for _, n := range cp.Nodes {
			a.store.Restore(n)
		}
		for _, id := range cp.Tombstones {
			a.store.RestoreTombstone(id)
		}
		a.stream.AdvanceTo(cp.NextIndex)
		afterSeq = cp.Seq
		a.checkpointSeq.Store(cp.Seq)
		slog.Info("checkpoint loaded", "seq", cp.Seq, "nodes", len(cp.Nodes))
	}
	a.openedFrom = afterSeq

	mode := wal.RecoverFailFast
	if cfg.RecoveryMode == string(wal.RecoverBestEffort) {
		mode = wal.RecoverBestEffort
	}
	walDir := filepath.Join(cfg.DataDir, walSubdir)
	report, replayErr := wal.Replay(walDir, afterSeq, mode, a.replayRecord)
	a.report = report
	if report.TornTail || report.Corrupted {
		if saveErr := ckpts.SaveRecoveryReport(report); saveErr != nil {
			slog.Error("failed to persist recovery report", "error", saveErr)
		}
	}
	if replayErr != nil {
		_ = ckpts.Close()
		return nil, replayErr
	}
	if err := wal.TruncateTorn(walDir, report); err != nil {
		_ = ckpts.Close()
		return nil, err
	}

	log, err := wal.Open(walDir, report.LastGoodSeq, wal.Options{
		Policy:         wal.Policy(cfg.Durability.Policy),
		BatchInterval:  cfg.Durability.BatchInterval,
		BatchMax:       cfg.Durability.BatchMax,
		SegmentMaxSize: cfg.Checkpoint.SegmentMaxSize,
	})
	if err != nil {
		_ = ckpts.Close()
		return nil, err
	}
	a.wal = log

	observability.StoreNodes.Set(float64(a.store.Len()))
	slog.Info("store opened",
		"dataDir", cfg.DataDir, "nodes", a.store.Len(),
		"lastSeq", report.LastGoodSeq, "replayed", report.Records)
	return a, nil
}

// replayRecord applies one verified record during recovery. Mutations
// were validated when first committed, so they apply directly; signals
// rebuild the retained window without subscriber delivery.
func (a *App) replayRecord(rec wal.Record) error {
	switch rec.Type {
	case wal.TypeNodeCreate, wal.TypeNodePatch, wal.TypeNodeDelete,
		wal.TypeLinkAdd, wal.TypeLinkDel:
		m, err := wal.DecodeMutation(rec.Payload)
		if err != nil {
			return err
		}
		if err := a.store.Apply(m); err != nil {
			return errors.Wrap(err, errors.CodeCorruption, "replayed mutation rejected by store")
		}
	case wal.TypeSignal:
		sig, err := wal.DecodeSignal(rec.Seq, rec.Payload)
		if err != nil {
			return err
		}
		a.stream.Restore(sig)
	case wal.TypeCheckpoint:
		// Marker records are informational; the snapshot lives in the
		// sidecar and was already loaded.
	}
	return nil
}

func (a *App) usableLocked() error {
	if a.closed.Load() {
		return errors.New(errors.CodeClosed, "store is closed")
	}
	if a.failed.Load() {
		return errors.New(errors.CodeDurability,
			"store is in a failed state after an ambiguous append; reopen to replay the log")
	}
	return nil
}

func (a *App) Get(ctx context.Context, id store.NodeID) (*store.Node, error) {
	if a.closed.Load() {
		return nil, errors.New(errors.CodeClosed, "store is closed")
	}
	return a.store.Get(id)
}

func (a *App) Create(ctx context.Context, req ports.CreateRequest) (ports.MutationResult, error) {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	if err := a.usableLocked(); err != nil {
		return ports.MutationResult{}, err
	}
	m, err := a.store.PrepareCreate(req.ID, req.Parent, req.Value)
	if err != nil {
		return ports.MutationResult{}, err
	}
	m.Meta = req.Meta
	return a.commitLocked(ctx, "create", m, signal.KindValue, uarr.Null(), req.Value)
}

func (a *App) Patch(ctx context.Context, req ports.PatchRequest) (ports.MutationResult, error) {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	if err := a.usableLocked(); err != nil {
		return ports.MutationResult{}, err
	}
	m, err := a.store.PreparePatch(req.ID, req.Value, req.ExpectedVersion)
	if errors.IsCode(err, errors.CodeNotFound) && req.CreateIfMissing {
		m, err = a.store.PrepareCreate(req.ID, "", req.Value)
	}
	if err != nil {
		return ports.MutationResult{}, err
	}
	return a.commitLocked(ctx, "patch", m, signal.KindValue, decodeOrNull(m.Old), decodeOrNull(m.New))
}

func (a *App) Replace(ctx context.Context, req ports.PatchRequest) (ports.MutationResult, error) {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	if err := a.usableLocked(); err != nil {
		return ports.MutationResult{}, err
	}
	m, err := a.store.PrepareReplace(req.ID, req.Value, req.ExpectedVersion)
	if err != nil {
		return ports.MutationResult{}, err
	}
	return a.commitLocked(ctx, "replace", m, signal.KindValue, decodeOrNull(m.Old), req.Value)
}

func (a *App) Delete(ctx context.Context, req ports.DeleteRequest) (ports.MutationResult, error) {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	if err := a.usableLocked(); err != nil {
		return ports.MutationResult{}, err
	}
	m, err := a.store.PrepareDelete(req.ID, req.ExpectedVersion)
	if err != nil {
		return ports.MutationResult{}, err
	}
	return a.commitLocked(ctx, "delete", m, signal.KindValue, decodeOrNull(m.Old), uarr.Null())
}

func (a *App) Link(ctx context.Context, req ports.LinkRequest) (ports.MutationResult, error) {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	if err := a.usableLocked(); err != nil {
		return ports.MutationResult{}, err
	}
	m, err := a.store.PrepareLink(req.Parent, req.Child)
	if err != nil {
		return ports.MutationResult{}, err
	}
	return a.commitLocked(ctx, "link", m, signal.KindChildren,
		uarr.Null(), uarr.NodeRef(string(req.Child)))
}

func (a *App) Unlink(ctx context.Context, req ports.LinkRequest) (ports.MutationResult, error) {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	if err := a.usableLocked(); err != nil {
		return ports.MutationResult{}, err
	}
	m, err := a.store.PrepareUnlink(req.Parent, req.Child)
	if err != nil {
		return ports.MutationResult{}, err
	}
	return a.commitLocked(ctx, "unlink", m, signal.KindChildren,
		uarr.NodeRef(string(req.Child)), uarr.Null())
}

func (a *App) SetMeta(ctx context.Context, req ports.SetMetaRequest) (ports.MutationResult, error) {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	if err := a.usableLocked(); err != nil {
		return ports.MutationResult{}, err
	}
	m, err := a.store.PrepareSetMeta(req.ID, req.Meta, req.ExpectedVersion)
	if err != nil {
		return ports.MutationResult{}, err
	}
	return a.commitLocked(ctx, "set_meta", m, signal.KindMetadata, uarr.Null(), metaValue(req.Meta))
}

// commitLocked is the single write path: log the mutation (and its signal)
// as one batch, apply to memory, publish. An append error is ambiguous —
// the records may have reached disk — so the app marks itself failed and
// refuses further writes rather than risk diverging from the log.
func (a *App) commitLocked(ctx context.Context, op string, m *store.Mutation,
	kind signal.Kind, oldV, newV uarr.Value) (ports.MutationResult, error) {

	start := time.Now()
	typ, mutPayload, err := wal.EncodeMutation(m)
	if err != nil {
		return ports.MutationResult{}, errors.Wrap(err, errors.CodeInternal, "encode mutation record")
	}
	recs := []wal.Record{{Type: typ, Payload: mutPayload}}

	var sig signal.Signal
	emitSignal := !a.cfg.Signals.Disabled
	if emitSignal {
		delta, err := signal.EncodeDelta(oldV, newV)
		if err != nil {
			return ports.MutationResult{}, errors.Wrap(err, errors.CodeInternal, "encode signal delta")
		}
		sig = signal.Signal{
			Index: a.stream.NextIndex(),
			Time:  time.Now().UTC(),
			Kind:  kind,
			Base:  m.Base,
			New:   m.Next,
			Node:  m.Node,
			Delta: delta,
		}
		sigPayload, err := wal.EncodeSignal(sig)
		if err != nil {
			return ports.MutationResult{}, errors.Wrap(err, errors.CodeInternal, "encode signal record")
		}
		recs = append(recs, wal.Record{Type: wal.TypeSignal, Payload: sigPayload})
	}

	seqs, err := a.wal.AppendBatch(ctx, recs)
	if err != nil {
		a.failed.Store(true)
		slog.Error("commit append failed, store requires recovery",
			"operation", op, "node", string(m.Node), "error", err)
		return ports.MutationResult{}, err
	}
	if err := a.store.Apply(m); err != nil {
		a.failed.Store(true)
		return ports.MutationResult{}, err
	}
	observability.StoreNodes.Set(float64(a.store.Len()))

	if emitSignal {
		sig.Seq = seqs[len(seqs)-1]
		a.stream.Publish(sig)
	}
	observability.CommitsTotal.WithLabelValues(op).Inc()
	observability.CommitSeconds.Observe(time.Since(start).Seconds())
	return ports.MutationResult{Node: m.Node, Base: m.Base, Next: m.Next, Seq: seqs[0]}, nil
}

func (a *App) Subscribe(ctx context.Context, cursor uint64, filter signal.Filter) (*signal.Subscription, error) {
	if a.closed.Load() {
		return nil, errors.New(errors.CodeClosed, "store is closed")
	}
	return a.stream.Subscribe(cursor, filter)
}

func (a *App) Read(ctx context.Context, cursor uint64, filter signal.Filter) ([]signal.Signal, error) {
	if a.closed.Load() {
		return nil, errors.New(errors.CodeClosed, "store is closed")
	}
	return a.stream.Read(cursor, filter)
}

// Sync forces everything appended so far to disk, regardless of the
// configured durability policy.
func (a *App) Sync(ctx context.Context) error {
	if a.closed.Load() {
		return errors.New(errors.CodeClosed, "store is closed")
	}
	return a.wal.Sync()
}

// Checkpoint snapshots the tree into the sidecar, rolls the log and
// removes segments the snapshot supersedes. Signals newer than the
// configured horizon are re-logged into the fresh segment so cursor
// replays keep working across truncation.
func (a *App) Checkpoint(ctx context.Context) error {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	if err := a.usableLocked(); err != nil {
		return err
	}
	return a.checkpointLocked(ctx)
}

// Compact is a checkpoint followed by pruning of superseded checkpoint
// rows. The periodic maintenance loop calls this.
func (a *App) Compact(ctx context.Context) error {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	if err := a.usableLocked(); err != nil {
		return err
	}
	start := time.Now()
	if err := a.checkpointLocked(ctx); err != nil {
		return err
	}
	removed, err := a.ckpts.Prune(a.cfg.Checkpoint.Keep)
	if err != nil {
		return err
	}
	observability.CompactionSeconds.Observe(time.Since(start).Seconds())
	if removed > 0 {
		slog.Debug("pruned checkpoints", "removed", removed)
	}
	return nil
}

func (a *App) checkpointLocked(ctx context.Context) error {
	start := time.Now()
	cp := &checkpoint.Checkpoint{
		Seq:        a.wal.LastSeq(),
		NextIndex:  a.stream.NextIndex(),
		Nodes:      a.store.Snapshot(),
		Tombstones: a.store.Tombstones(),
	}
	if err := a.ckpts.Save(cp); err != nil {
		return err
	}

	marker, err := wal.EncodeCheckpointMarker(wal.CheckpointMarker{
		Seq:       cp.Seq,
		Nodes:     uint64(len(cp.Nodes)),
		Digest:    cp.Digest,
		NextIndex: cp.NextIndex,
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode checkpoint marker")
	}
	if _, err := a.wal.Append(ctx, wal.TypeCheckpoint, marker); err != nil {
		return err
	}
	if err := a.wal.Roll(); err != nil {
		return err
	}

	// Retained signals inside the horizon move into the fresh segment;
	// everything older is superseded by the snapshot and falls out of
	// the retained window.
	since := time.Now().Add(-a.cfg.Checkpoint.SignalHorizon)
	retained := a.stream.Retained()
	keepFrom := len(retained)
	for i, sig := range retained {
		if !sig.Time.Before(since) {
			keepFrom = i
			break
		}
	}
	for _, sig := range retained[keepFrom:] {
		if err := a.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, errors.CodeDurability, "signal rewrite interrupted")
		}
		payload, err := wal.EncodeSignal(sig)
		if err != nil {
			return errors.Wrap(err, errors.CodeInternal, "re-encode retained signal")
		}
		if _, err := a.wal.Append(ctx, wal.TypeSignal, payload); err != nil {
			return err
		}
	}
	if keepFrom > 0 {
		if keepFrom == len(retained) {
			a.stream.Truncate(cp.NextIndex - 1)
		} else {
			a.stream.Truncate(retained[keepFrom].Index - 1)
		}
	}

	if err := a.wal.Sync(); err != nil {
		return err
	}
	if _, err := a.wal.RemoveSegmentsBelow(cp.Seq); err != nil {
		return err
	}

	a.checkpointSeq.Store(cp.Seq)
	observability.CheckpointsTotal.Inc()
	observability.CheckpointSeconds.Observe(time.Since(start).Seconds())
	slog.Info("checkpoint written",
		"seq", cp.Seq, "nodes", len(cp.Nodes),
		"keptSignals", len(retained)-keepFrom)
	return nil
}

// Run drives the periodic compaction loop until ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Checkpoint.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Compact(ctx); err != nil {
				slog.Error("periodic compaction failed", "error", err)
			}
		}
	}
}

func (a *App) Close(ctx context.Context) error {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	if a.closed.Swap(true) {
		return nil
	}
	a.stream.Close()
	walErr := a.wal.Close()
	ckptErr := a.ckpts.Close()
	if walErr != nil {
		return walErr
	}
	if ckptErr != nil {
		return errors.Wrap(ckptErr, errors.CodeDurability, "close checkpoint store")
	}
	return nil
}

func decodeOrNull(buf []byte) uarr.Value {
	if buf == nil {
		return uarr.Null()
	}
	v, err := uarr.Decode(buf)
	if err != nil {
		return uarr.Null()
	}
	return v
}

func metaValue(meta map[string]string) uarr.Value {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]uarr.Entry, len(keys))
	for i, k := range keys {
		entries[i] = uarr.Entry{Key: k, Value: uarr.String(meta[k])}
	}
	return uarr.Map(entries...)
}
