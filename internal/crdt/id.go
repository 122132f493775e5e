package crdt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// rootToken is the wire form of the document root.
const rootToken = "0"

var (
	// ErrMalformedID is returned when an id string cannot be decomposed into
	// a site and a clock.
	ErrMalformedID = errors.New("malformed node id")
	// ErrUnknownParent is returned when inserting under an id the buffer has
	// never seen.
	ErrUnknownParent = errors.New("unknown parent node")
	// ErrClockExhausted is returned when a replica has issued the largest
	// representable clock and cannot mint another id.
	ErrClockExhausted = errors.New("site clock exhausted")
)

// NodeID is the permanent identity of a character: the site that created it
// and that site's logical clock at creation. The zero value is the root.
type NodeID struct {
	Site  string
	Clock int64
}

// RootID is the virtual sentinel every parent chain terminates at.
var RootID = NodeID{}

// IsRoot reports whether id is the document root.
func (id NodeID) IsRoot() bool { return id == RootID }

// String renders the id as "site-clock", or "0" for the root.
func (id NodeID) String() string {
	if id.IsRoot() {
		return rootToken
	}
	return id.Site + "-" + strconv.FormatInt(id.Clock, 10)
}

// Compare orders ids lexically on their string form.
func (id NodeID) Compare(other NodeID) int {
	return strings.Compare(id.String(), other.String())
}

// ParseNodeID parses the composite "site-clock" form. The split happens at the
// last dash so site ids may contain dashes themselves.
func ParseNodeID(raw string) (NodeID, error) {
	raw = strings.TrimSpace(raw)
	if raw == rootToken {
		return RootID, nil
	}
	idx := strings.LastIndexByte(raw, '-')
	if idx <= 0 || idx == len(raw)-1 {
		return NodeID{}, fmt.Errorf("%w: %q", ErrMalformedID, raw)
	}
	clock, err := strconv.ParseInt(raw[idx+1:], 10, 64)
	if err != nil || clock <= 0 {
		return NodeID{}, fmt.Errorf("%w: %q", ErrMalformedID, raw)
	}
	return NodeID{Site: raw[:idx], Clock: clock}, nil
}

// MarshalText implements encoding.TextMarshaler so ids can be map keys and
// JSON strings.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeID) UnmarshalText(data []byte) error {
	parsed, err := ParseNodeID(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
