package snapshot

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/treedoc/internal/crdt"
	"github.com/example/treedoc/internal/storage"
	"github.com/example/treedoc/internal/types"
)

type fixture struct {
	wal    *storage.SQLiteWAL
	engine *crdt.Engine
	bucket *MemoryStore
	worker *Worker
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	wal, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })

	logger := zerolog.New(io.Discard)
	engine := crdt.NewEngine("server", logger)
	bucket := NewMemoryStore()
	return fixture{
		wal:    wal,
		engine: engine,
		bucket: bucket,
		worker: NewWorker(wal, engine, bucket, "snapshots", logger, cfg),
	}
}

// typeText inserts text as a chain, persisting every event the way the
// document service does.
func (f fixture) typeText(t *testing.T, doc types.DocumentID, text string) {
	t.Helper()
	ctx := context.Background()
	parent := f.engine.LastInserted(doc)
	for _, r := range text {
		node, evt, err := f.engine.Insert(ctx, doc, r, parent)
		require.NoError(t, err)
		payload, err := json.Marshal(evt)
		require.NoError(t, err)
		op := types.OperationID(node.ID.String())
		lsn, err := f.wal.AppendOperation(ctx, doc, types.WALRecord{Operation: op, Payload: payload})
		require.NoError(t, err)
		f.engine.MarkApplied(doc, lsn, op)
		parent = node.ID
	}
}

func TestWorker_SkipsBelowThreshold(t *testing.T) {
	f := newFixture(t, Config{WALThreshold: 10, MutationThreshold: 100})
	f.typeText(t, "doc", "abc")

	wrote, err := f.worker.ProcessDocument(context.Background(), "doc")
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Empty(t, f.bucket.Paths())
}

func TestWorker_SnapshotsOverThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{WALThreshold: 3, MutationThreshold: 100})
	f.typeText(t, "doc", "hello")
	f.engine.Delete(ctx, "doc", f.engine.NodeIDAt("doc", 0))

	wrote, err := f.worker.ProcessDocument(ctx, "doc")
	require.NoError(t, err)
	require.True(t, wrote)

	ref, err := f.wal.LatestSnapshot(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, int64(5), ref.LastLSN)
	assert.Equal(t, types.OperationID("server-5"), ref.OperationID)
	assert.Equal(t, ObjectPath("doc", "server-5"), ref.ObjectPath)

	data, err := f.bucket.Load(ctx, "snapshots", ref.ObjectPath)
	require.NoError(t, err)
	payload, err := DecodePayload(data)
	require.NoError(t, err)
	assert.Equal(t, types.DocumentID("doc"), payload.Document)
	assert.Equal(t, types.VectorClock{"server": 5}, payload.Version)
	assert.Len(t, payload.Nodes, 5)

	restored := crdt.NewEngine("server", zerolog.New(io.Discard))
	restored.Restore("doc", payload.Nodes, payload.LastOpID, ref.LastLSN)
	assert.Equal(t, "ello", restored.Document("doc"))

	// Nothing new since the snapshot.
	wrote, err = f.worker.ProcessDocument(ctx, "doc")
	require.NoError(t, err)
	assert.False(t, wrote)
}

func TestWorker_NodeGrowthTriggers(t *testing.T) {
	f := newFixture(t, Config{WALThreshold: 1000, MutationThreshold: 4})
	f.typeText(t, "doc", "abcd")

	wrote, err := f.worker.ProcessDocument(context.Background(), "doc")
	require.NoError(t, err)
	assert.True(t, wrote)

	f.typeText(t, "doc", "e")
	wrote, err = f.worker.ProcessDocument(context.Background(), "doc")
	require.NoError(t, err)
	assert.False(t, wrote, "one more node is below the growth threshold")
}

func TestWorker_RequiresObjectStore(t *testing.T) {
	f := newFixture(t, Config{})
	w := NewWorker(f.wal, f.engine, nil, "b", zerolog.New(io.Discard), Config{})

	_, err := w.ProcessDocument(context.Background(), "doc")
	assert.Error(t, err)
}
