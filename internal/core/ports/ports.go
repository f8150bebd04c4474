package ports

import (
	"context"

	"github.com/charlpcronje/FXD-sub007/internal/engine/signal"
	"github.com/charlpcronje/FXD-sub007/internal/engine/store"
	"github.com/charlpcronje/FXD-sub007/internal/engine/uarr"
)

// MutationResult reports a committed mutation: the pre/post version pair
// and the WAL sequence the mutation record received.
type MutationResult struct {
	Node store.NodeID
	Base store.VersionID
	Next store.VersionID
	Seq  uint64
}

// CreateRequest creates a node at an unoccupied id, optionally attached
// under a parent.
type CreateRequest struct {
	ID     store.NodeID
	Parent store.NodeID
	Value  uarr.Value
	Meta   map[string]string
}

// PatchRequest partially updates a node value. ExpectedVersion, when
// non-nil, is the optimistic concurrency precondition. CreateIfMissing
// turns a patch on an unknown id into a create instead of NOT_FOUND.
type PatchRequest struct {
	ID              store.NodeID
	Value           uarr.Value
	ExpectedVersion *store.VersionID
	CreateIfMissing bool
}

type DeleteRequest struct {
	ID              store.NodeID
	ExpectedVersion *store.VersionID
}

type LinkRequest struct {
	Parent store.NodeID
	Child  store.NodeID
}

type SetMetaRequest struct {
	ID              store.NodeID
	Meta            map[string]string
	ExpectedVersion *store.VersionID
}

// StoreService is the driving port external collaborators (renderer,
// filesystem bridge, tooling) program against.
type StoreService interface {
	Get(ctx context.Context, id store.NodeID) (*store.Node, error)
	Create(ctx context.Context, req CreateRequest) (MutationResult, error)
	Patch(ctx context.Context, req PatchRequest) (MutationResult, error)
	Replace(ctx context.Context, req PatchRequest) (MutationResult, error)
	Delete(ctx context.Context, req DeleteRequest) (MutationResult, error)
	Link(ctx context.Context, req LinkRequest) (MutationResult, error)
	Unlink(ctx context.Context, req LinkRequest) (MutationResult, error)
	SetMeta(ctx context.Context, req SetMetaRequest) (MutationResult, error)

	Subscribe(ctx context.Context, cursor uint64, filter signal.Filter) (*signal.Subscription, error)
	Read(ctx context.Context, cursor uint64, filter signal.Filter) ([]signal.Signal, error)

	// Sync is the explicit durability barrier for callers needing
	// stronger guarantees than the configured append policy.
	Sync(ctx context.Context) error
	Checkpoint(ctx context.Context) error
	Compact(ctx context.Context) error
	Close(ctx context.Context) error
}

// HealthStatus summarizes store/log/checkpoint state for the /health
// endpoint and the status report.
type HealthStatus struct {
	Status         string `json:"status"`
	Nodes          int    `json:"nodes"`
	LastSeq        uint64 `json:"last_seq"`
	NextSignal     uint64 `json:"next_signal_index"`
	CheckpointSeq  uint64 `json:"checkpoint_seq"`
	RecoveredFrom  uint64 `json:"recovered_from_seq"`
	ReplayedCount  int    `json:"replayed_records"`
	TornTail       bool   `json:"torn_tail"`
	DurabilityMode string `json:"durability_mode"`
}

type HealthService interface {
	Check(ctx context.Context) HealthStatus
}
