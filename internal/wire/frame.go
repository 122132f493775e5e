// Package wire encodes the replication frames exchanged between server
// instances. Frames use the protobuf wire format so fields can be added
// without breaking older peers; unknown fields are skipped on decode.
//
//	message Frame {
//	  string document   = 1;
//	  string origin     = 2;
//	  bool   full       = 3;
//	  repeated Node nodes = 4;
//	  repeated ID deleted = 5;
//	  repeated ID version = 6; // site + highest gap-free clock
//	  int64  sent_at    = 7;   // unix nanoseconds
//	}
//	message Node { string site = 1; int64 clock = 2; int64 counter = 3; ID parent = 4; int32 value = 5; bool deleted = 6; }
//	message ID   { string site = 1; int64 clock = 2; }
package wire

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/example/treedoc/internal/crdt"
	"github.com/example/treedoc/internal/types"
)

var (
	// ErrTruncated is returned when a frame ends in the middle of a field.
	ErrTruncated = errors.New("wire: truncated frame")
	// ErrInvalidFrame is returned when a frame decodes but carries values a
	// replica cannot accept.
	ErrInvalidFrame = errors.New("wire: invalid frame")
)

const (
	frameDocument protowire.Number = 1
	frameOrigin   protowire.Number = 2
	frameFull     protowire.Number = 3
	frameNodes    protowire.Number = 4
	frameDeleted  protowire.Number = 5
	frameVersion  protowire.Number = 6
	frameSentAt   protowire.Number = 7

	nodeSite    protowire.Number = 1
	nodeClock   protowire.Number = 2
	nodeCounter protowire.Number = 3
	nodeParent  protowire.Number = 4
	nodeValue   protowire.Number = 5
	nodeDeleted protowire.Number = 6

	idSite  protowire.Number = 1
	idClock protowire.Number = 2
)

// Frame is one replication message for a document. Delta frames carry a
// single local change. Full frames come from the anti-entropy loop and carry
// everything the slowest known peer may lack, which is the whole state until
// peers have announced their versions. Version is always the publisher's
// complete version vector.
type Frame struct {
	Document types.DocumentID
	Origin   string
	Full     bool
	Nodes    []crdt.Node
	Deleted  []crdt.NodeID
	Version  types.VectorClock
	SentAt   time.Time
}

// Marshal encodes the frame.
func Marshal(f Frame) []byte {
	var b []byte
	b = appendString(b, frameDocument, string(f.Document))
	b = appendString(b, frameOrigin, f.Origin)
	if f.Full {
		b = protowire.AppendTag(b, frameFull, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	for _, n := range f.Nodes {
		b = protowire.AppendTag(b, frameNodes, protowire.BytesType)
		b = protowire.AppendBytes(b, appendNode(nil, n))
	}
	for _, id := range f.Deleted {
		b = protowire.AppendTag(b, frameDeleted, protowire.BytesType)
		b = protowire.AppendBytes(b, appendID(nil, id))
	}
	for site, clock := range f.Version {
		b = protowire.AppendTag(b, frameVersion, protowire.BytesType)
		b = protowire.AppendBytes(b, appendID(nil, crdt.NodeID{Site: site, Clock: clock}))
	}
	if !f.SentAt.IsZero() {
		b = protowire.AppendTag(b, frameSentAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.SentAt.UnixNano()))
	}
	return b
}

// Unmarshal decodes a frame produced by Marshal.
func Unmarshal(data []byte) (Frame, error) {
	var f Frame
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Frame{}, parseErr(n)
		}
		data = data[n:]

		switch {
		case num == frameDocument && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Frame{}, parseErr(n)
			}
			f.Document = types.DocumentID(v)
			data = data[n:]
		case num == frameOrigin && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Frame{}, parseErr(n)
			}
			f.Origin = v
			data = data[n:]
		case num == frameFull && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Frame{}, parseErr(n)
			}
			f.Full = v != 0
			data = data[n:]
		case num == frameNodes && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Frame{}, parseErr(n)
			}
			node, err := consumeNode(v)
			if err != nil {
				return Frame{}, err
			}
			f.Nodes = append(f.Nodes, node)
			data = data[n:]
		case num == frameDeleted && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Frame{}, parseErr(n)
			}
			id, err := consumeID(v)
			if err != nil {
				return Frame{}, err
			}
			if id.IsRoot() {
				return Frame{}, fmt.Errorf("%w: root tombstone", ErrInvalidFrame)
			}
			f.Deleted = append(f.Deleted, id)
			data = data[n:]
		case num == frameVersion && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Frame{}, parseErr(n)
			}
			id, err := consumeID(v)
			if err != nil {
				return Frame{}, err
			}
			if f.Version == nil {
				f.Version = types.VectorClock{}
			}
			f.Version[id.Site] = id.Clock
			data = data[n:]
		case num == frameSentAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Frame{}, parseErr(n)
			}
			f.SentAt = time.Unix(0, int64(v)).UTC()
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Frame{}, parseErr(n)
			}
			data = data[n:]
		}
	}

	if f.Document == "" {
		return Frame{}, fmt.Errorf("%w: missing document", ErrInvalidFrame)
	}
	return f, nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendID(b []byte, id crdt.NodeID) []byte {
	b = appendString(b, idSite, id.Site)
	if id.Clock != 0 {
		b = protowire.AppendTag(b, idClock, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(id.Clock))
	}
	return b
}

func appendNode(b []byte, n crdt.Node) []byte {
	b = appendString(b, nodeSite, n.ID.Site)
	b = protowire.AppendTag(b, nodeClock, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(n.ID.Clock))
	if n.Counter != 0 {
		b = protowire.AppendTag(b, nodeCounter, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(n.Counter))
	}
	if !n.Parent.IsRoot() {
		b = protowire.AppendTag(b, nodeParent, protowire.BytesType)
		b = protowire.AppendBytes(b, appendID(nil, n.Parent))
	}
	b = protowire.AppendTag(b, nodeValue, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(n.Value))
	if n.Deleted {
		b = protowire.AppendTag(b, nodeDeleted, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func consumeID(data []byte) (crdt.NodeID, error) {
	var id crdt.NodeID
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return crdt.NodeID{}, parseErr(n)
		}
		data = data[n:]
		switch {
		case num == idSite && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return crdt.NodeID{}, parseErr(n)
			}
			id.Site = v
			data = data[n:]
		case num == idClock && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return crdt.NodeID{}, parseErr(n)
			}
			id.Clock = int64(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return crdt.NodeID{}, parseErr(n)
			}
			data = data[n:]
		}
	}
	if (id.Site == "") != (id.Clock == 0) || id.Clock < 0 {
		return crdt.NodeID{}, fmt.Errorf("%w: id %q/%d", ErrInvalidFrame, id.Site, id.Clock)
	}
	return id, nil
}

func consumeNode(data []byte) (crdt.Node, error) {
	var (
		node     crdt.Node
		hasValue bool
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return crdt.Node{}, parseErr(n)
		}
		data = data[n:]
		switch {
		case num == nodeSite && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return crdt.Node{}, parseErr(n)
			}
			node.ID.Site = v
			data = data[n:]
		case num == nodeParent && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return crdt.Node{}, parseErr(n)
			}
			parent, err := consumeID(v)
			if err != nil {
				return crdt.Node{}, err
			}
			node.Parent = parent
			data = data[n:]
		case typ == protowire.VarintType && (num == nodeClock || num == nodeCounter || num == nodeValue || num == nodeDeleted):
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return crdt.Node{}, parseErr(n)
			}
			switch num {
			case nodeClock:
				node.ID.Clock = int64(v)
			case nodeCounter:
				node.Counter = int(v)
			case nodeValue:
				node.Value = rune(v)
				hasValue = true
			case nodeDeleted:
				node.Deleted = v != 0
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return crdt.Node{}, parseErr(n)
			}
			data = data[n:]
		}
	}

	switch {
	case node.ID.Site == "" || node.ID.Clock <= 0:
		return crdt.Node{}, fmt.Errorf("%w: node id %q/%d", ErrInvalidFrame, node.ID.Site, node.ID.Clock)
	case node.Counter < 0:
		return crdt.Node{}, fmt.Errorf("%w: node %s counter %d", ErrInvalidFrame, node.ID, node.Counter)
	case !hasValue || !utf8.ValidRune(node.Value):
		return crdt.Node{}, fmt.Errorf("%w: node %s value", ErrInvalidFrame, node.ID)
	}
	return node, nil
}

func parseErr(n int) error {
	return fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
}
