package crdt

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Node holds one inserted character. ID and Counter never change after
// creation; Parent and Deleted are owned by the Buffer, which mutates them
// when the node or its parent is tombstoned.
type Node struct {
	ID      NodeID
	Counter int
	Parent  NodeID
	Value   rune
	Deleted bool
}

// NewNode constructs a live node.
func NewNode(site string, clock int64, counter int, parent NodeID, value rune) Node {
	return Node{
		ID:      NodeID{Site: site, Clock: clock},
		Counter: counter,
		Parent:  parent,
		Value:   value,
	}
}

// Equal reports whether a and b are the same logical node. Only the identity
// is considered, so copies taken at different points of the node's
// reparenting history compare equal.
func Equal(a, b Node) bool {
	return a.ID == b.ID
}

// Compare is the canonical total order over nodes: parent id, then counter
// ascending, then site, then clock. It returns -1, 0 or 1.
func Compare(a, b Node) int {
	if c := a.Parent.Compare(b.Parent); c != 0 {
		return c
	}
	if c := compareInt(a.Counter, b.Counter); c != 0 {
		return c
	}
	if c := strings.Compare(a.ID.Site, b.ID.Site); c != 0 {
		return c
	}
	return compareInt64(a.ID.Clock, b.ID.Clock)
}

// SiblingCompare ranks nodes sharing a parent in document order. A higher
// counter means the node was inserted after the parent later than its
// siblings, so it sits closer to the parent. Equal counters fall back to
// ascending site, then ascending clock.
func SiblingCompare(a, b Node) int {
	if c := compareInt(b.Counter, a.Counter); c != 0 {
		return c
	}
	if c := strings.Compare(a.ID.Site, b.ID.Site); c != 0 {
		return c
	}
	return compareInt64(a.ID.Clock, b.ID.Clock)
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// nodeJSON is the external snapshot representation shared with clients.
type nodeJSON struct {
	SiteID   string `json:"siteId"`
	Clock    int64  `json:"clock"`
	Counter  int    `json:"counter"`
	ParentID string `json:"parentId"`
	Value    string `json:"value"`
	Deleted  bool   `json:"deleted"`
}

// MarshalJSON implements json.Marshaler.
func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(nodeJSON{
		SiteID:   n.ID.Site,
		Clock:    n.ID.Clock,
		Counter:  n.Counter,
		ParentID: n.Parent.String(),
		Value:    string(n.Value),
		Deleted:  n.Deleted,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.SiteID == "" || raw.Clock <= 0 {
		return fmt.Errorf("%w: site %q clock %d", ErrMalformedID, raw.SiteID, raw.Clock)
	}
	parent := RootID
	if raw.ParentID != "" {
		p, err := ParseNodeID(raw.ParentID)
		if err != nil {
			return fmt.Errorf("parent: %w", err)
		}
		parent = p
	}
	value, size := utf8.DecodeRuneInString(raw.Value)
	if size == 0 || size != len(raw.Value) {
		return fmt.Errorf("node %s: value must be exactly one character", NodeID{Site: raw.SiteID, Clock: raw.Clock})
	}
	*n = Node{
		ID:      NodeID{Site: raw.SiteID, Clock: raw.Clock},
		Counter: raw.Counter,
		Parent:  parent,
		Value:   value,
		Deleted: raw.Deleted,
	}
	return nil
}
