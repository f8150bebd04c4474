// Package checkpoint persists consistent snapshots of the node tree in a
// SQLite sidecar, enabling WAL truncation and fast recovery. Snapshots are
// UArr-encoded, zstd-compressed and integrity-checked with a BLAKE3
// digest computed over the uncompressed bytes.
package checkpoint

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"

	"github.com/charlpcronje/FXD-sub007/internal/core/errors"
	"github.com/charlpcronje/FXD-sub007/internal/data/wal"
	"github.com/charlpcronje/FXD-sub007/internal/engine/store"
	"github.com/charlpcronje/FXD-sub007/internal/engine/uarr"
)

const driverName = "sqlite"

// Checkpoint is one consistent snapshot: every live node, the tombstone
// set, the WAL sequence it covers and the signal index high-water mark.
type Checkpoint struct {
	Seq        uint64
	Time       time.Time
	NextIndex  uint64
	Digest     []byte
	Nodes      []*store.Node
	Tombstones []store.NodeID
}

type Store struct {
	path string
	db   *sql.DB
	mu   sync.Mutex
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

func Open(path string) (*Store, error) {
	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return nil, fmt.Errorf("checkpoint path must not be empty")
	}
	if info, err := os.Stat(cleanPath); err == nil && info.IsDir() {
		return nil, fmt.Errorf("checkpoint path %q is a directory, expected file", cleanPath)
	}
	dir := filepath.Dir(cleanPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint directory %q: %w", dir, err)
		}
	}

	// busy_timeout + WAL journal mode match how the sidecar is used: one
	// writer, occasional concurrent readers.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(2000)&_pragma=journal_mode(WAL)", cleanPath)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite checkpoint %q: %w", cleanPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite checkpoint %q: %w", cleanPath, err)
	}
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize sqlite schema %q: %w", cleanPath, err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Store{path: cleanPath, db: db, enc: enc, dec: dec}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

// Save persists the checkpoint, computing its digest. The caller must
// hold the commit path quiescent so Nodes is a consistent image.
func (s *Store) Save(cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.Time.IsZero() {
		cp.Time = time.Now().UTC()
	}
	raw, err := encodeSnapshot(cp)
	if err != nil {
		return err
	}
	digest := blake3.Sum256(raw)
	cp.Digest = digest[:]
	compressed := s.enc.EncodeAll(raw, nil)

	_, err = s.db.Exec(`
INSERT INTO checkpoints (seq, schema_version, ts_utc, node_count, next_index, digest, snapshot)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(seq) DO UPDATE SET
  schema_version=excluded.schema_version,
  ts_utc=excluded.ts_utc,
  node_count=excluded.node_count,
  next_index=excluded.next_index,
  digest=excluded.digest,
  snapshot=excluded.snapshot
`,
		int64(cp.Seq), SchemaVersion, cp.Time.UTC().Format(time.RFC3339Nano),
		len(cp.Nodes), int64(cp.NextIndex), cp.Digest, compressed,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint seq %d: %w", cp.Seq, err)
	}
	return nil
}

// Latest loads the newest checkpoint, verifying the digest before
// decoding. Returns (nil, nil) when no checkpoint exists yet.
func (s *Store) Latest() (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
SELECT seq, schema_version, ts_utc, next_index, digest, snapshot
FROM checkpoints ORDER BY seq DESC LIMIT 1`)

	var (
		seq, nextIndex int64
		schemaVersion  int
		tsRaw          string
		digest, blob   []byte
	)
	if err := row.Scan(&seq, &schemaVersion, &tsRaw, &nextIndex, &digest, &blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	if schemaVersion != SchemaVersion {
		return nil, errors.Newf(errors.CodeCorruption,
			"checkpoint seq %d has unsupported schema version %d", seq, schemaVersion)
	}

	raw, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeCorruption, "decompress checkpoint snapshot")
	}
	sum := blake3.Sum256(raw)
	if !bytes.Equal(sum[:], digest) {
		return nil, errors.Newf(errors.CodeCorruption,
			"checkpoint seq %d digest mismatch", seq)
	}

	cp, err := decodeSnapshot(raw)
	if err != nil {
		return nil, err
	}
	cp.Seq = uint64(seq)
	cp.NextIndex = uint64(nextIndex)
	cp.Digest = digest
	if ts, err := time.Parse(time.RFC3339Nano, tsRaw); err == nil {
		cp.Time = ts
	}
	return cp, nil
}

// Prune keeps the newest keep checkpoints and deletes the rest.
func (s *Store) Prune(keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.Exec(`
DELETE FROM checkpoints WHERE seq NOT IN (
  SELECT seq FROM checkpoints ORDER BY seq DESC LIMIT ?
)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveRecoveryReport records what replay found, for post-mortem review.
func (s *Store) SaveRecoveryReport(r *wal.RecoveryReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	torn, corrupted := 0, 0
	if r.TornTail {
		torn = 1
	}
	if r.Corrupted {
		corrupted = 1
	}
	_, err := s.db.Exec(`
INSERT INTO recovery_reports (ts_utc, last_good_seq, records, torn_tail, corrupted, segment, offset, reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Time.UTC().Format(time.RFC3339Nano), int64(r.LastGoodSeq), r.Records,
		torn, corrupted, r.Segment, r.Offset, r.Reason,
	)
	if err != nil {
		return fmt.Errorf("save recovery report: %w", err)
	}
	return nil
}

// encodeSnapshot renders the node set deterministically (sorted by id) so
// identical trees always produce identical digests.
func encodeSnapshot(cp *Checkpoint) ([]byte, error) {
	nodes := append([]*store.Node(nil), cp.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	tombs := append([]store.NodeID(nil), cp.Tombstones...)
	sort.Slice(tombs, func(i, j int) bool { return tombs[i] < tombs[j] })

	nodeVals := make([]uarr.Value, len(nodes))
	for i, n := range nodes {
		children := make([]uarr.Value, len(n.Children))
		for j, c := range n.Children {
			children[j] = uarr.String(string(c))
		}
		entries := []uarr.Entry{
			{Key: "id", Value: uarr.String(string(n.ID))},
			{Key: "parent", Value: uarr.String(string(n.Parent))},
			{Key: "children", Value: uarr.Array(children...)},
			{Key: "value", Value: uarr.Bytes(n.Value)},
			{Key: "version", Value: uarr.Uint64(uint64(n.Version))},
		}
		if len(n.Meta) > 0 {
			keys := make([]string, 0, len(n.Meta))
			for k := range n.Meta {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			metaEntries := make([]uarr.Entry, len(keys))
			for j, k := range keys {
				metaEntries[j] = uarr.Entry{Key: k, Value: uarr.String(n.Meta[k])}
			}
			entries = append(entries, uarr.Entry{Key: "meta", Value: uarr.Map(metaEntries...)})
		}
		nodeVals[i] = uarr.Map(entries...)
	}
	tombVals := make([]uarr.Value, len(tombs))
	for i, id := range tombs {
		tombVals[i] = uarr.String(string(id))
	}

	return uarr.Encode(uarr.Map(
		uarr.Entry{Key: "nodes", Value: uarr.Array(nodeVals...)},
		uarr.Entry{Key: "tombstones", Value: uarr.Array(tombVals...)},
	))
}

func decodeSnapshot(raw []byte) (*Checkpoint, error) {
	v, err := uarr.Decode(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeCorruption, "decode checkpoint snapshot")
	}
	cp := &Checkpoint{}
	if nodes, ok := v.Get("nodes"); ok {
		cp.Nodes = make([]*store.Node, 0, nodes.Len())
		for _, nv := range nodes.Elems() {
			n := &store.Node{}
			if f, ok := nv.Get("id"); ok {
				n.ID = store.NodeID(f.Str())
			}
			if f, ok := nv.Get("parent"); ok {
				n.Parent = store.NodeID(f.Str())
			}
			if f, ok := nv.Get("children"); ok {
				for _, c := range f.Elems() {
					n.Children = append(n.Children, store.NodeID(c.Str()))
				}
			}
			if f, ok := nv.Get("value"); ok {
				n.Value = append([]byte(nil), f.Raw()...)
			}
			if f, ok := nv.Get("version"); ok {
				n.Version = store.VersionID(f.Uint())
			}
			if f, ok := nv.Get("meta"); ok {
				n.Meta = make(map[string]string, f.Len())
				for _, e := range f.Entries() {
					n.Meta[e.Key] = e.Value.Str()
				}
			}
			cp.Nodes = append(cp.Nodes, n)
		}
	}
	if tombs, ok := v.Get("tombstones"); ok {
		for _, tv := range tombs.Elems() {
			cp.Tombstones = append(cp.Tombstones, store.NodeID(tv.Str()))
		}
	}
	return cp, nil
}
