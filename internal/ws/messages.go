package ws

import (
	"time"

	"github.com/example/treedoc/internal/crdt"
)

// Message types exchanged over the socket.
const (
	TypeSnapshot = "snapshot"
	TypeInserted = "inserted"
	TypeError    = "error"
	TypePresence = "presence"

	TypeInsert = "insert"
	TypeDelete = "delete"
	TypeMerge  = "merge"
	TypePing   = "ping"
)

// ClientMessage is an edit sent by a browser or CLI client. Which fields are
// meaningful depends on Type.
type ClientMessage struct {
	Type string `json:"type"`

	// insert
	Value    string `json:"value,omitempty"`
	ParentID string `json:"parentId,omitempty"`

	// delete, by composite id or by its parts
	ID     string `json:"id,omitempty"`
	SiteID string `json:"siteId,omitempty"`
	Clock  int64  `json:"clock,omitempty"`

	// merge
	Nodes   []crdt.Node   `json:"nodes,omitempty"`
	Deleted []crdt.NodeID `json:"deleted,omitempty"`

	// ping, e.g. {"cursor": "site-4"}
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PresenceEntry describes one client attached to a document.
type PresenceEntry struct {
	Document     string            `json:"document"`
	Client       string            `json:"client"`
	Site         string            `json:"site,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	SeenAt       time.Time         `json:"seenAt"`
	Disconnected bool              `json:"disconnected,omitempty"`
}

// ServerMessage is pushed to clients.
type ServerMessage struct {
	Type     string      `json:"type"`
	Document string      `json:"document,omitempty"`
	Nodes    []crdt.Node `json:"nodes,omitempty"`
	ID       string      `json:"id,omitempty"`
	Error    string      `json:"error,omitempty"`

	Presence []PresenceEntry `json:"presence,omitempty"`
}

// SnapshotMessage builds the full-state push sent after every change.
func SnapshotMessage(documentID string, nodes []crdt.Node) ServerMessage {
	if nodes == nil {
		nodes = []crdt.Node{}
	}
	return ServerMessage{Type: TypeSnapshot, Document: documentID, Nodes: nodes}
}
