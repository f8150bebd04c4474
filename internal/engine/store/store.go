package store

import (
	"sync"

	"github.com/charlpcronje/FXD-sub007/internal/core/errors"
	"github.com/charlpcronje/FXD-sub007/internal/engine/uarr"
)

// Store is the in-memory node tree. Reads take the read lock and may run
// concurrently with an in-flight commit; Apply swaps node state wholesale
// under the write lock, so a reader always sees a complete before or after
// image. Mutations are linearized by the owning commit path, not here.
type Store struct {
	mu        sync.RWMutex
	nodes     map[NodeID]*Node
	tombstone map[NodeID]struct{}
}

func New() *Store {
	return &Store{
		nodes:     make(map[NodeID]*Node),
		tombstone: make(map[NodeID]struct{}),
	}
}

// Get returns a snapshot copy of the node. The Value slice is shared and
// must be treated as read-only; Apply never mutates a published buffer.
func (s *Store) Get(id NodeID) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, errors.AddContext(
			errors.New(errors.CodeNotFound, "node not found"), errors.CtxNode, string(id))
	}
	return n.clone(), nil
}

func (s *Store) Has(id NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// IDs returns all live node ids in unspecified order.
func (s *Store) IDs() []NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]NodeID, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	return ids
}

// Roots returns the ids of nodes without a parent.
func (s *Store) Roots() []NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var roots []NodeID
	for id, n := range s.nodes {
		if n.Parent == "" {
			roots = append(roots, id)
		}
	}
	return roots
}

// PrepareCreate validates a create of an unoccupied id and encodes the
// value. Deleted ids are never reused.
func (s *Store) PrepareCreate(id NodeID, parent NodeID, value uarr.Value) (*Mutation, error) {
	if id == "" {
		return nil, errors.New(errors.CodeInvalidValue, "node id must not be empty")
	}
	buf, err := uarr.Encode(value)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidValue, "value rejected by codec")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.nodes[id]; ok {
		return nil, errors.AddContext(
			errors.New(errors.CodeVersionConflict, "node already exists"), errors.CtxNode, string(id))
	}
	if _, ok := s.tombstone[id]; ok {
		return nil, errors.AddContext(
			errors.New(errors.CodeVersionConflict, "node id was deleted and may not be reused"),
			errors.CtxNode, string(id))
	}
	if parent != "" {
		if _, ok := s.nodes[parent]; !ok {
			return nil, errors.AddContext(
				errors.New(errors.CodeNotFound, "parent not found"), errors.CtxNode, string(parent))
		}
	}
	return &Mutation{
		Op: OpCreate, Node: id, Parent: parent,
		Base: 0, Next: 1, New: buf,
	}, nil
}

// PreparePatch validates a partial update. When both the current and the
// proposed value are maps, entries are merged key-wise (proposed entries
// win, other entries survive); any other combination replaces the value.
// An expectedVersion of nil skips the optimistic precondition.
func (s *Store) PreparePatch(id NodeID, value uarr.Value, expectedVersion *VersionID) (*Mutation, error) {
	s.mu.RLock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.RUnlock()
		return nil, errors.AddContext(
			errors.New(errors.CodeNotFound, "node not found"), errors.CtxNode, string(id))
	}
	base := n.Version
	old := n.Value
	s.mu.RUnlock()

	if expectedVersion != nil && *expectedVersion != base {
		return nil, errors.Newf(errors.CodeVersionConflict,
			"expected version %d, node %q is at %d", *expectedVersion, id, base)
	}

	merged := value
	if value.Kind() == uarr.KindMap && old != nil {
		current, err := uarr.Decode(old)
		if err == nil && current.Kind() == uarr.KindMap {
			merged = mergeMaps(current, value)
		}
	}
	buf, err := uarr.Encode(merged)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidValue, "value rejected by codec")
	}
	return &Mutation{
		Op: OpPatch, Node: id,
		Base: base, Next: base + 1,
		Old: old, New: buf,
	}, nil
}

// PrepareReplace swaps the full value regardless of its shape.
func (s *Store) PrepareReplace(id NodeID, value uarr.Value, expectedVersion *VersionID) (*Mutation, error) {
	buf, err := uarr.Encode(value)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidValue, "value rejected by codec")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, errors.AddContext(
			errors.New(errors.CodeNotFound, "node not found"), errors.CtxNode, string(id))
	}
	if expectedVersion != nil && *expectedVersion != n.Version {
		return nil, errors.Newf(errors.CodeVersionConflict,
			"expected version %d, node %q is at %d", *expectedVersion, id, n.Version)
	}
	return &Mutation{
		Op: OpReplace, Node: id,
		Base: n.Version, Next: n.Version + 1,
		Old: n.Value, New: buf,
	}, nil
}

// PrepareDelete tombstones a node. Children are detached, not deleted.
func (s *Store) PrepareDelete(id NodeID, expectedVersion *VersionID) (*Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, errors.AddContext(
			errors.New(errors.CodeNotFound, "node not found"), errors.CtxNode, string(id))
	}
	if expectedVersion != nil && *expectedVersion != n.Version {
		return nil, errors.Newf(errors.CodeVersionConflict,
			"expected version %d, node %q is at %d", *expectedVersion, id, n.Version)
	}
	return &Mutation{
		Op: OpDelete, Node: id, Parent: n.Parent,
		Base: n.Version, Next: n.Version + 1,
		Old: n.Value,
	}, nil
}

// PrepareLink attaches child under parent. The parent is the mutated node;
// its version advances, the child only gets its Parent reference updated.
func (s *Store) PrepareLink(parent, child NodeID) (*Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.nodes[parent]
	if !ok {
		return nil, errors.AddContext(
			errors.New(errors.CodeNotFound, "parent not found"), errors.CtxNode, string(parent))
	}
	c, ok := s.nodes[child]
	if !ok {
		return nil, errors.AddContext(
			errors.New(errors.CodeNotFound, "child not found"), errors.CtxNode, string(child))
	}
	if parent == child {
		return nil, errors.New(errors.CodeInvalidValue, "node cannot be its own child")
	}
	if c.Parent != "" && c.Parent != parent {
		return nil, errors.Newf(errors.CodeVersionConflict,
			"node %q is already linked under %q", child, c.Parent)
	}
	for _, existing := range p.Children {
		if existing == child {
			return nil, errors.Newf(errors.CodeVersionConflict,
				"node %q is already a child of %q", child, parent)
		}
	}
	return &Mutation{
		Op: OpLink, Node: parent, Parent: parent, Child: child,
		Base: p.Version, Next: p.Version + 1,
	}, nil
}

func (s *Store) PrepareUnlink(parent, child NodeID) (*Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.nodes[parent]
	if !ok {
		return nil, errors.AddContext(
			errors.New(errors.CodeNotFound, "parent not found"), errors.CtxNode, string(parent))
	}
	for _, existing := range p.Children {
		if existing == child {
			return &Mutation{
				Op: OpUnlink, Node: parent, Parent: parent, Child: child,
				Base: p.Version, Next: p.Version + 1,
			}, nil
		}
	}
	return nil, errors.Newf(errors.CodeNotFound, "node %q is not a child of %q", child, parent)
}

// PrepareSetMeta replaces the node's metadata map.
func (s *Store) PrepareSetMeta(id NodeID, meta map[string]string, expectedVersion *VersionID) (*Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, errors.AddContext(
			errors.New(errors.CodeNotFound, "node not found"), errors.CtxNode, string(id))
	}
	if expectedVersion != nil && *expectedVersion != n.Version {
		return nil, errors.Newf(errors.CodeVersionConflict,
			"expected version %d, node %q is at %d", *expectedVersion, id, n.Version)
	}
	copied := make(map[string]string, len(meta))
	for k, v := range meta {
		copied[k] = v
	}
	return &Mutation{
		Op: OpSetMeta, Node: id,
		Base: n.Version, Next: n.Version + 1,
		Meta: copied,
	}, nil
}

// Apply commits a prepared mutation. The caller serializes commits, so the
// state checked at Prepare time still holds; Apply only guards against a
// mutation applied out of order.
func (s *Store) Apply(m *Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m.Op {
	case OpCreate:
		if _, ok := s.nodes[m.Node]; ok {
			return errors.Newf(errors.CodeInternal, "apply create: node %q exists", m.Node)
		}
		n := &Node{ID: m.Node, Parent: m.Parent, Value: m.New, Version: m.Next, Meta: m.Meta}
		s.nodes[m.Node] = n
		if m.Parent != "" {
			if p, ok := s.nodes[m.Parent]; ok {
				p.Children = append(p.Children, m.Node)
			}
		}
	case OpPatch, OpReplace:
		n, ok := s.nodes[m.Node]
		if !ok || n.Version != m.Base {
			return errors.Newf(errors.CodeInternal,
				"apply %s: node %q not at base version %d", m.Op, m.Node, m.Base)
		}
		n.Value = m.New
		n.Version = m.Next
	case OpDelete:
		n, ok := s.nodes[m.Node]
		if !ok {
			return errors.Newf(errors.CodeInternal, "apply delete: node %q missing", m.Node)
		}
		if n.Parent != "" {
			if p, ok := s.nodes[n.Parent]; ok {
				p.Children = removeID(p.Children, m.Node)
			}
		}
		for _, childID := range n.Children {
			if c, ok := s.nodes[childID]; ok {
				c.Parent = ""
			}
		}
		delete(s.nodes, m.Node)
		s.tombstone[m.Node] = struct{}{}
	case OpLink:
		p, ok := s.nodes[m.Parent]
		if !ok {
			return errors.Newf(errors.CodeInternal, "apply link: parent %q missing", m.Parent)
		}
		c, ok := s.nodes[m.Child]
		if !ok {
			return errors.Newf(errors.CodeInternal, "apply link: child %q missing", m.Child)
		}
		p.Children = append(p.Children, m.Child)
		p.Version = m.Next
		c.Parent = m.Parent
	case OpUnlink:
		p, ok := s.nodes[m.Parent]
		if !ok {
			return errors.Newf(errors.CodeInternal, "apply unlink: parent %q missing", m.Parent)
		}
		p.Children = removeID(p.Children, m.Child)
		p.Version = m.Next
		if c, ok := s.nodes[m.Child]; ok && c.Parent == m.Parent {
			c.Parent = ""
		}
	case OpSetMeta:
		n, ok := s.nodes[m.Node]
		if !ok || n.Version != m.Base {
			return errors.Newf(errors.CodeInternal,
				"apply set_meta: node %q not at base version %d", m.Node, m.Base)
		}
		n.Meta = m.Meta
		n.Version = m.Next
	default:
		return errors.Newf(errors.CodeInternal, "apply: unknown op %d", m.Op)
	}
	return nil
}

// Reset drops all state. Used when rebuilding from a checkpoint.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[NodeID]*Node)
	s.tombstone = make(map[NodeID]struct{})
}

// Restore installs a node image verbatim, bypassing versioning. Only the
// recovery path uses this.
func (s *Store) Restore(n *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n.clone()
}

// RestoreTombstone re-marks an id as unusable during recovery.
func (s *Store) RestoreTombstone(id NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tombstone[id] = struct{}{}
}

// Snapshot returns a deep copy of every live node, for checkpointing.
func (s *Store) Snapshot() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n.clone())
	}
	return nodes
}

// Tombstones returns the set of deleted ids, for checkpointing.
func (s *Store) Tombstones() []NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]NodeID, 0, len(s.tombstone))
	for id := range s.tombstone {
		ids = append(ids, id)
	}
	return ids
}

func mergeMaps(current, patch uarr.Value) uarr.Value {
	merged := make([]uarr.Entry, 0, current.Len()+patch.Len())
	seen := make(map[string]int, current.Len())
	for _, e := range current.Entries() {
		seen[e.Key] = len(merged)
		merged = append(merged, e)
	}
	for _, e := range patch.Entries() {
		if i, ok := seen[e.Key]; ok {
			merged[i] = e
			continue
		}
		seen[e.Key] = len(merged)
		merged = append(merged, e)
	}
	return uarr.Map(merged...)
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
