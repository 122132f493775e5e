package crdt

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/treedoc/internal/types"
)

func newTestEngine(site string) *Engine {
	return NewEngine(site, zerolog.New(io.Discard))
}

func walRecord(t *testing.T, lsn int64, op string, evt Event) types.WALRecord {
	t.Helper()
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	return types.WALRecord{
		LSN:       lsn,
		Operation: types.OperationID(op),
		Document:  evt.Document,
		Payload:   payload,
	}
}

func TestEngine_InsertDeleteEvents(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine("server")
	doc := types.DocumentID("doc-1")

	h, evt, err := e.Insert(ctx, doc, 'h', RootID)
	require.NoError(t, err)
	assert.Equal(t, EventInsert, evt.Type)
	assert.Equal(t, doc, evt.Document)
	require.Len(t, evt.Nodes, 1)
	assert.Equal(t, h, evt.Nodes[0])
	assert.Equal(t, h.ID, e.LastInserted(doc))

	_, _, err = e.Insert(ctx, doc, 'i', h.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", e.Document(doc))

	evt, changed := e.Delete(ctx, doc, h.ID)
	require.True(t, changed)
	assert.Equal(t, []NodeID{h.ID}, evt.Deleted)
	assert.Equal(t, "i", e.Document(doc))

	evt, changed = e.Delete(ctx, doc, h.ID)
	assert.False(t, changed)
	assert.True(t, evt.Empty())
}

func TestEngine_InsertUnknownParent(t *testing.T) {
	e := newTestEngine("server")

	_, _, err := e.Insert(context.Background(), "doc", 'x', NodeID{Site: "nobody", Clock: 3})
	assert.ErrorIs(t, err, ErrUnknownParent)
	assert.Empty(t, e.Document("doc"))
}

func TestEngine_DocumentsAreIsolated(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine("server")

	_, _, err := e.Insert(ctx, "a", 'A', RootID)
	require.NoError(t, err)
	_, _, err = e.Insert(ctx, "b", 'B', RootID)
	require.NoError(t, err)

	assert.Equal(t, "A", e.Document("a"))
	assert.Equal(t, "B", e.Document("b"))
	assert.ElementsMatch(t, []types.DocumentID{"a", "b"}, e.Documents())
}

func TestEngine_MergeEventCarriesOnlyChanges(t *testing.T) {
	ctx := context.Background()
	src := newTestEngine("src")
	dst := newTestEngine("dst")
	doc := types.DocumentID("doc")

	x, _, err := src.Insert(ctx, doc, 'x', RootID)
	require.NoError(t, err)
	_, _, err = src.Insert(ctx, doc, 'y', x.ID)
	require.NoError(t, err)

	evt, res := dst.Merge(ctx, doc, src.Nodes(doc), nil)
	assert.Equal(t, EventMerge, evt.Type)
	assert.Len(t, evt.Nodes, 2)
	assert.Len(t, res.Inserted, 2)

	evt, res = dst.Merge(ctx, doc, src.Nodes(doc), nil)
	assert.True(t, evt.Empty())
	assert.False(t, res.Changed())
	assert.Equal(t, "xy", dst.Document(doc))
}

func TestEngine_ReplayWALReproducesState(t *testing.T) {
	ctx := context.Background()
	live := newTestEngine("server")
	doc := types.DocumentID("doc")

	var records []types.WALRecord
	parent := RootID
	for i, r := range "replay" {
		n, evt, err := live.Insert(ctx, doc, r, parent)
		require.NoError(t, err)
		records = append(records, walRecord(t, int64(i+1), "op", evt))
		parent = n.ID
	}
	evt, _ := live.Delete(ctx, doc, live.NodeIDAt(doc, 0))
	records = append(records, walRecord(t, 7, "op-del", evt))

	replayed := newTestEngine("server")
	for _, rec := range records {
		require.NoError(t, replayed.ApplyWAL(rec))
	}
	// Replaying twice must be harmless.
	for _, rec := range records {
		require.NoError(t, replayed.ApplyWAL(rec))
	}

	assert.Equal(t, "eplay", replayed.Document(doc))
	assert.Equal(t, live.Nodes(doc), replayed.Nodes(doc))
	assert.Equal(t, int64(7), replayed.LastLSN(doc))
	assert.Equal(t, types.OperationID("op-del"), replayed.LastOperation(doc))

	n, _, err := replayed.Insert(ctx, doc, '!', replayed.NodeIDAt(doc, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n.ID.Clock, "replayed replica continues its own clock")
}

func TestEngine_ApplyWALRejectsGarbage(t *testing.T) {
	e := newTestEngine("server")
	err := e.ApplyWAL(types.WALRecord{Document: "doc", LSN: 1, Payload: []byte("{not json")})
	assert.Error(t, err)
	assert.Zero(t, e.LastLSN("doc"))
}

func TestEngine_RestoreReplacesState(t *testing.T) {
	ctx := context.Background()
	src := newTestEngine("a")
	doc := types.DocumentID("doc")
	ids := []NodeID{RootID}
	for _, r := range "snap" {
		n, _, err := src.Insert(ctx, doc, r, ids[len(ids)-1])
		require.NoError(t, err)
		ids = append(ids, n.ID)
	}
	src.Delete(ctx, doc, ids[1])

	dst := newTestEngine("b")
	_, _, err := dst.Insert(ctx, doc, 'z', RootID)
	require.NoError(t, err)

	dst.Restore(doc, src.Nodes(doc), "op-9", 9)

	assert.Equal(t, "nap", dst.Document(doc))
	assert.Len(t, dst.DeletedNodes(doc), 1)
	assert.Equal(t, int64(9), dst.LastLSN(doc))
	assert.Equal(t, types.OperationID("op-9"), dst.LastOperation(doc))
}

func TestEngine_DeltaReportsVersion(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine("s")
	doc := types.DocumentID("doc")
	a, _, err := e.Insert(ctx, doc, 'a', RootID)
	require.NoError(t, err)

	nodes, _, version := e.Delta(doc, nil)
	assert.Len(t, nodes, 1)
	assert.Equal(t, types.VectorClock{"s": 1}, version)

	_, _, err = e.Insert(ctx, doc, 'b', a.ID)
	require.NoError(t, err)
	nodes, _, version = e.Delta(doc, version)
	require.Len(t, nodes, 1)
	assert.Equal(t, 'b', nodes[0].Value)
	assert.Equal(t, types.VectorClock{"s": 2}, version)
}

func TestEngine_SnapshotGolden(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine("site1")
	doc := types.DocumentID("golden")

	c, _, err := e.Insert(ctx, doc, 'c', RootID)
	require.NoError(t, err)
	_, _, err = e.Insert(ctx, doc, 't', c.ID)
	require.NoError(t, err)
	a, _, err := e.Insert(ctx, doc, 'a', c.ID)
	require.NoError(t, err)
	require.Equal(t, "cat", e.Document(doc))
	e.Delete(ctx, doc, a.ID)

	data, err := json.MarshalIndent(e.Nodes(doc), "", "  ")
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "cat_snapshot", append(data, '\n'))
}

func TestEngine_ReadsOnUnknownDocument(t *testing.T) {
	e := newTestEngine("server")

	assert.Empty(t, e.Document("ghost"))
	assert.Empty(t, e.Nodes("ghost"))
	assert.Equal(t, RootID, e.NodeIDAt("ghost", 3))
	assert.Empty(t, e.Version("ghost"))
	nodes, deleted, version := e.Delta("ghost", nil)
	assert.Empty(t, nodes)
	assert.Empty(t, deleted)
	assert.Empty(t, version)
	_, changed := e.Delete(context.Background(), "ghost", NodeID{Site: "server", Clock: 1})
	assert.False(t, changed)

	assert.Empty(t, e.Documents())
}
