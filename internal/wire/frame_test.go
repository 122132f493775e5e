package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/example/treedoc/internal/crdt"
	"github.com/example/treedoc/internal/types"
)

func sampleFrame() Frame {
	c := crdt.NewNode("site-a", 1, 0, crdt.RootID, 'c')
	t := crdt.NewNode("site-a", 2, 0, c.ID, 't')
	a := crdt.NewNode("site-b", 1, 1, c.ID, 'é')
	a.Deleted = true
	return Frame{
		Document: "doc-1",
		Origin:   "site-a",
		Full:     true,
		Nodes:    []crdt.Node{c, t, a},
		Deleted:  []crdt.NodeID{a.ID},
		Version:  types.VectorClock{"site-a": 2, "site-b": 1},
		SentAt:   time.Unix(1700000000, 42).UTC(),
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	in := sampleFrame()

	out, err := Unmarshal(Marshal(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFrame_MinimalDelta(t *testing.T) {
	in := Frame{Document: "doc", Deleted: []crdt.NodeID{{Site: "s", Clock: 3}}}

	out, err := Unmarshal(Marshal(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.False(t, out.Full)
	assert.Nil(t, out.Version)
}

func TestUnmarshal_Truncated(t *testing.T) {
	data := Marshal(sampleFrame())
	for _, cut := range []int{1, len(data) - 1} {
		_, err := Unmarshal(data[:cut])
		assert.ErrorIs(t, err, ErrTruncated, "cut at %d", cut)
	}
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	data := Marshal(Frame{Document: "doc", Origin: "o"})
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "future")
	data = protowire.AppendTag(data, 100, protowire.VarintType)
	data = protowire.AppendVarint(data, 7)

	out, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, types.DocumentID("doc"), out.Document)
	assert.Equal(t, "o", out.Origin)
}

func TestUnmarshal_RejectsInvalidContent(t *testing.T) {
	_, err := Unmarshal(Marshal(Frame{Origin: "o"}))
	assert.ErrorIs(t, err, ErrInvalidFrame, "missing document")

	bad := crdt.NewNode("", 1, 0, crdt.RootID, 'x')
	_, err = Unmarshal(Marshal(Frame{Document: "d", Nodes: []crdt.Node{bad}}))
	assert.ErrorIs(t, err, ErrInvalidFrame, "node without site")

	_, err = Unmarshal(Marshal(Frame{Document: "d", Deleted: []crdt.NodeID{crdt.RootID}}))
	assert.ErrorIs(t, err, ErrInvalidFrame, "root tombstone")
}

func TestFrame_FeedsMerge(t *testing.T) {
	src := crdt.NewBuffer("a")
	h, err := src.Insert('h', crdt.RootID)
	require.NoError(t, err)
	_, err = src.Insert('i', h)
	require.NoError(t, err)
	src.Delete(h.Site, h.Clock)

	frame, err := Unmarshal(Marshal(Frame{Document: "d", Nodes: src.AllNodes(), Deleted: src.DeletedIDs()}))
	require.NoError(t, err)

	dst := crdt.NewBuffer("b")
	dst.Merge(frame.Nodes, frame.Deleted)
	assert.Equal(t, src.Document(), dst.Document())
	assert.Equal(t, "i", dst.Document())
}
