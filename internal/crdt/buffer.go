package crdt

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/example/treedoc/internal/types"
)

// Buffer is one replica of the tree CRDT. Nodes are stored in an index keyed
// by their immutable id and mutated in place through it; the tree itself is
// the children index from parent id to sibling-ordered child ids.
//
// Buffer performs no locking. Callers must serialize Insert, Delete, Merge
// and Clear against each other and against reads; Engine does this per
// document.
type Buffer struct {
	siteID string
	clock  int64

	nodes      map[NodeID]*Node
	children   map[NodeID][]NodeID
	tombstones map[NodeID]struct{}

	// pending holds merged nodes whose parent has not arrived yet; pendingDeletes
	// holds tombstones for ids not known yet.
	pending        map[NodeID]Node
	pendingDeletes map[NodeID]struct{}

	lastInserted NodeID
}

// MergeResult summarises the effect of a Merge call.
type MergeResult struct {
	// Inserted lists the nodes that became part of the tree, as stored.
	Inserted []Node
	// Tombstoned lists the ids that were newly marked deleted.
	Tombstoned []NodeID
	// Pending is the number of nodes still waiting for their parent.
	Pending int
	// Rejected lists nodes dropped because their clock is not a usable id.
	Rejected []NodeID
}

// Changed reports whether the merge altered the tree.
func (r MergeResult) Changed() bool {
	return len(r.Inserted) > 0 || len(r.Tombstoned) > 0
}

// NewBuffer constructs an empty replica for the given site.
func NewBuffer(siteID string) *Buffer {
	b := &Buffer{siteID: siteID}
	b.reset()
	return b
}

func (b *Buffer) reset() {
	b.clock = 0
	b.nodes = make(map[NodeID]*Node)
	b.children = make(map[NodeID][]NodeID)
	b.tombstones = make(map[NodeID]struct{})
	b.pending = make(map[NodeID]Node)
	b.pendingDeletes = make(map[NodeID]struct{})
	b.lastInserted = RootID
}

// SiteID returns the replica's site identifier.
func (b *Buffer) SiteID() string { return b.siteID }

// Clock returns the last clock value issued by this replica.
func (b *Buffer) Clock() int64 { return b.clock }

// LastInserted returns the id of the most recent local insert, or the root.
func (b *Buffer) LastInserted() NodeID { return b.lastInserted }

// NodeCount returns the number of known nodes. Tombstones are included when
// includeDeleted is true.
func (b *Buffer) NodeCount(includeDeleted bool) int {
	if includeDeleted {
		return len(b.nodes)
	}
	return len(b.nodes) - len(b.tombstones)
}

// Node returns a copy of the node with the given id.
func (b *Buffer) Node(id NodeID) (Node, bool) {
	n, ok := b.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Insert creates a character under parent and returns its id. The parent must
// be the root or a known node; a tombstoned parent resolves to the live
// ancestor its children were moved to.
func (b *Buffer) Insert(value rune, parent NodeID) (NodeID, error) {
	if !parent.IsRoot() {
		if _, ok := b.nodes[parent]; !ok {
			return NodeID{}, fmt.Errorf("%w: %s", ErrUnknownParent, parent)
		}
	}
	parent = b.resolve(parent)

	if b.clock == math.MaxInt64 {
		return NodeID{}, fmt.Errorf("%w: %s", ErrClockExhausted, b.siteID)
	}
	b.clock++
	node := NewNode(b.siteID, b.clock, len(b.children[parent]), parent, value)
	b.attach(node)
	b.lastInserted = node.ID
	b.adoptPending()
	return node.ID, nil
}

// Delete tombstones the node (site, clock) and moves its children up to its
// parent. Unknown or already deleted ids are ignored. It reports whether the
// tree changed.
func (b *Buffer) Delete(site string, clock int64) bool {
	return b.tombstone(NodeID{Site: site, Clock: clock})
}

// Merge folds a remote replica's state into this one. Nodes already known are
// left untouched; local reparenting is authoritative. Tombstones are taken
// from deleted and from any node whose Deleted flag is set.
func (b *Buffer) Merge(nodes []Node, deleted []NodeID) MergeResult {
	var result MergeResult

	tombs := make([]NodeID, 0, len(deleted))
	tombs = append(tombs, deleted...)
	incoming := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.ID.IsRoot() {
			continue
		}
		// Clock MaxInt64 has no successor; taking it would wedge this site.
		if n.ID.Clock < 1 || n.ID.Clock == math.MaxInt64 {
			result.Rejected = append(result.Rejected, n.ID)
			continue
		}
		if n.Deleted {
			tombs = append(tombs, n.ID)
		}
		if _, known := b.nodes[n.ID]; known {
			continue
		}
		if _, waiting := b.pending[n.ID]; waiting {
			continue
		}
		n.Deleted = false
		incoming = append(incoming, n)
		if n.ID.Site == b.siteID && n.ID.Clock > b.clock {
			b.clock = n.ID.Clock
		}
	}
	for _, n := range incoming {
		b.pending[n.ID] = n
	}
	result.Inserted = b.adoptPending()

	slices.SortFunc(tombs, NodeID.Compare)
	tombs = slices.Compact(tombs)
	for _, id := range tombs {
		if id.IsRoot() {
			continue
		}
		if _, known := b.nodes[id]; !known {
			b.pendingDeletes[id] = struct{}{}
			continue
		}
		if b.tombstone(id) {
			result.Tombstoned = append(result.Tombstoned, id)
		}
	}

	for i, n := range result.Inserted {
		result.Inserted[i] = *b.nodes[n.ID]
	}
	result.Pending = len(b.pending)
	return result
}

// adoptPending attaches every pending node whose parent is known, repeating
// until no more progress is made, and applies remembered tombstones to the
// nodes it attaches.
func (b *Buffer) adoptPending() []Node {
	if len(b.pending) == 0 {
		return nil
	}
	var adopted []Node
	for {
		ready := make([]Node, 0, len(b.pending))
		for _, n := range b.pending {
			if n.Parent.IsRoot() {
				ready = append(ready, n)
				continue
			}
			if _, ok := b.nodes[n.Parent]; ok {
				ready = append(ready, n)
			}
		}
		if len(ready) == 0 {
			break
		}
		slices.SortFunc(ready, Compare)
		for _, n := range ready {
			delete(b.pending, n.ID)
			n.Parent = b.resolve(n.Parent)
			b.attach(n)
			adopted = append(adopted, n)
		}
		for _, n := range ready {
			if _, ok := b.pendingDeletes[n.ID]; ok {
				delete(b.pendingDeletes, n.ID)
				b.tombstone(n.ID)
			}
		}
	}
	return adopted
}

// resolve walks up from id past tombstoned nodes. A tombstoned node has had its
// children moved to its parent, so anything arriving under it belongs there.
func (b *Buffer) resolve(id NodeID) NodeID {
	for !id.IsRoot() {
		n, ok := b.nodes[id]
		if !ok || !n.Deleted {
			return id
		}
		id = n.Parent
	}
	return id
}

func (b *Buffer) attach(node Node) {
	stored := node
	b.nodes[node.ID] = &stored
	b.insertChild(node.Parent, node.ID)
}

func (b *Buffer) insertChild(parent, child NodeID) {
	siblings := b.children[parent]
	target := b.nodes[child]
	idx, _ := slices.BinarySearchFunc(siblings, child, func(existing, _ NodeID) int {
		return SiblingCompare(*b.nodes[existing], *target)
	})
	b.children[parent] = slices.Insert(siblings, idx, child)
}

func (b *Buffer) tombstone(id NodeID) bool {
	n, ok := b.nodes[id]
	if !ok || n.Deleted {
		return false
	}
	n.Deleted = true
	b.tombstones[id] = struct{}{}

	parent := n.Parent
	for _, child := range b.children[id] {
		b.nodes[child].Parent = parent
		b.insertChild(parent, child)
	}
	delete(b.children, id)
	return true
}

// Document materialises the visible text with a pre-order walk from the root.
func (b *Buffer) Document() string {
	var sb strings.Builder
	b.walk(func(n *Node) bool {
		sb.WriteRune(n.Value)
		return true
	})
	return sb.String()
}

// NodeIDAt returns the id of the i-th visible character. Out of range
// positions yield the root so callers can always insert after the result.
func (b *Buffer) NodeIDAt(i int) NodeID {
	if i < 0 {
		return RootID
	}
	found := RootID
	pos := 0
	b.walk(func(n *Node) bool {
		if pos == i {
			found = n.ID
			return false
		}
		pos++
		return true
	})
	return found
}

// walk visits live nodes in document order until visit returns false.
// Tombstoned nodes are skipped but their children are still visited.
func (b *Buffer) walk(visit func(*Node) bool) {
	type frame struct {
		ids []NodeID
		pos int
	}
	stack := []frame{{ids: b.children[RootID]}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.pos >= len(top.ids) {
			stack = stack[:len(stack)-1]
			continue
		}
		id := top.ids[top.pos]
		top.pos++
		n := b.nodes[id]
		if !n.Deleted && !visit(n) {
			return
		}
		if kids := b.children[id]; len(kids) > 0 {
			stack = append(stack, frame{ids: kids})
		}
	}
}

// AllNodes returns every known node, live and tombstoned, in canonical order.
func (b *Buffer) AllNodes() []Node {
	out := make([]Node, 0, len(b.nodes))
	for _, n := range b.nodes {
		out = append(out, *n)
	}
	slices.SortFunc(out, Compare)
	return out
}

// DeletedNodes returns the tombstoned nodes in canonical order.
func (b *Buffer) DeletedNodes() []Node {
	out := make([]Node, 0, len(b.tombstones))
	for id := range b.tombstones {
		out = append(out, *b.nodes[id])
	}
	slices.SortFunc(out, Compare)
	return out
}

// DeletedIDs returns the ids of tombstoned nodes in canonical node order.
func (b *Buffer) DeletedIDs() []NodeID {
	nodes := b.DeletedNodes()
	ids := make([]NodeID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

// Version returns, per site, the largest c such that clocks 1..c are all held.
// A site's clocks are issued without gaps, so a hole means a missed update and
// the version stays below it until the hole is filled.
func (b *Buffer) Version() types.VectorClock {
	held := make(map[string]map[int64]struct{})
	for id := range b.nodes {
		clocks, ok := held[id.Site]
		if !ok {
			clocks = make(map[int64]struct{})
			held[id.Site] = clocks
		}
		clocks[id.Clock] = struct{}{}
	}
	vc := make(types.VectorClock, len(held))
	for site, clocks := range held {
		var c int64
		for {
			if _, ok := clocks[c+1]; !ok {
				break
			}
			c++
		}
		if c > 0 {
			vc[site] = c
		}
	}
	return vc
}

// Delta returns the nodes not covered by since, plus every tombstone id.
// Tombstones are always included because deleting an old node does not move
// the version vector.
func (b *Buffer) Delta(since types.VectorClock) ([]Node, []NodeID) {
	var nodes []Node
	for id, n := range b.nodes {
		if id.Clock > since[id.Site] {
			nodes = append(nodes, *n)
		}
	}
	slices.SortFunc(nodes, Compare)
	return nodes, b.DeletedIDs()
}

// Clear drops all state and resets the clock.
func (b *Buffer) Clear() {
	b.reset()
}
