// Package store holds the authoritative in-memory node tree. Nodes are
// addressed by stable ids and versioned per node; parent/child relations
// are id references, never pointers, so the whole tree stays serializable.
package store

// NodeID is the stable identifier of a node. Ids are never reused after
// deletion.
type NodeID string

// VersionID is a per-node counter, incremented by exactly one for every
// committed mutation of that node.
type VersionID uint64

// Node is the unit of storage. Value holds the UArr-encoded value buffer.
type Node struct {
	ID       NodeID
	Parent   NodeID
	Children []NodeID
	Value    []byte
	Version  VersionID
	Meta     map[string]string
}

func (n *Node) clone() *Node {
	c := *n
	c.Children = append([]NodeID(nil), n.Children...)
	if n.Meta != nil {
		c.Meta = make(map[string]string, len(n.Meta))
		for k, v := range n.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

// Op identifies the kind of committed mutation.
type Op uint8

const (
	OpCreate Op = iota + 1
	OpPatch
	OpReplace
	OpDelete
	OpLink
	OpUnlink
	OpSetMeta
)

var opNames = map[Op]string{
	OpCreate:  "create",
	OpPatch:   "patch",
	OpReplace: "replace",
	OpDelete:  "delete",
	OpLink:    "link",
	OpUnlink:  "unlink",
	OpSetMeta: "set_meta",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return "unknown"
}

// Mutation is a prepared, not yet applied change to exactly one target
// node. The commit path appends it to the WAL between Prepare and Apply;
// Base and Next are the pre/post versions of the target.
type Mutation struct {
	Op     Op
	Node   NodeID
	Parent NodeID // create: parent to attach under; link/unlink: target parent
	Child  NodeID // link/unlink only
	Base   VersionID
	Next   VersionID
	Old    []byte // UArr value before the mutation, nil for create
	New    []byte // UArr value after the mutation, nil for delete/link/meta
	Meta   map[string]string
}
