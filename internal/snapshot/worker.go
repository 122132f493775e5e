package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/treedoc/internal/crdt"
	"github.com/example/treedoc/internal/storage"
	"github.com/example/treedoc/internal/types"
)

const (
	defaultInterval          = 15 * time.Second
	defaultWALThreshold      = int64(500)
	defaultMutationThreshold = 256
)

// Payload captures the tree state and metadata persisted inside an object
// storage snapshot. Nodes include tombstones so a restored replica keeps
// ignoring deletes it has already applied.
type Payload struct {
	Document types.DocumentID  `json:"document_id"`
	LastOpID types.OperationID `json:"last_op_id"`
	Version  types.VectorClock `json:"version"`
	Nodes    []crdt.Node       `json:"nodes"`
}

// ObjectPutter is the subset of *minio.Client used to upload snapshots.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Config tunes when snapshots are taken. Zero values select defaults.
type Config struct {
	Interval time.Duration
	// WALThreshold is the number of WAL entries past the last snapshot that
	// triggers a new one.
	WALThreshold int64
	// MutationThreshold is the node growth since the last snapshot that
	// triggers a new one.
	MutationThreshold int
}

// Worker periodically inspects per-document mutation volume and emits
// snapshots to object storage when thresholds are exceeded.
type Worker struct {
	wal    storage.Store
	engine *crdt.Engine
	object ObjectPutter
	bucket string

	interval          time.Duration
	walThreshold      int64
	mutationThreshold int

	mu        sync.Mutex
	lastNodes map[types.DocumentID]int

	logger zerolog.Logger
}

// NewWorker constructs a snapshot worker.
func NewWorker(wal storage.Store, engine *crdt.Engine, object ObjectPutter, bucket string, logger zerolog.Logger, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.WALThreshold <= 0 {
		cfg.WALThreshold = defaultWALThreshold
	}
	if cfg.MutationThreshold <= 0 {
		cfg.MutationThreshold = defaultMutationThreshold
	}
	return &Worker{
		wal:               wal,
		engine:            engine,
		object:            object,
		bucket:            bucket,
		interval:          cfg.Interval,
		walThreshold:      cfg.WALThreshold,
		mutationThreshold: cfg.MutationThreshold,
		lastNodes:         make(map[types.DocumentID]int),
		logger:            logger,
	}
}

// Start begins the periodic snapshot loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce checks every loaded document and snapshots those over threshold.
func (w *Worker) RunOnce(ctx context.Context) {
	for _, docID := range w.engine.Documents() {
		if _, err := w.ProcessDocument(ctx, docID); err != nil {
			w.logger.Error().Err(err).Str("document", string(docID)).Msg("snapshot emission failed")
		}
	}
}

// ProcessDocument snapshots the document when it is over threshold and
// reports whether a snapshot was written.
func (w *Worker) ProcessDocument(ctx context.Context, docID types.DocumentID) (bool, error) {
	if w.object == nil {
		return false, fmt.Errorf("object storage client not configured")
	}

	latest, err := w.wal.LatestSnapshot(ctx, docID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("lookup latest snapshot: %w", err)
	}

	lastLSN := w.engine.LastLSN(docID)
	if lastLSN <= latest.LastLSN {
		return false, nil
	}

	walCount, err := w.wal.OperationCountAfterLSN(ctx, docID, latest.LastLSN)
	if err != nil {
		return false, fmt.Errorf("count operations: %w", err)
	}
	w.wal.RecordBacklogMetric(docID, walCount)

	nodeCount := w.engine.NodeCount(docID, true)
	w.mu.Lock()
	grown := nodeCount - w.lastNodes[docID]
	w.mu.Unlock()
	if walCount < w.walThreshold && grown < w.mutationThreshold {
		return false, nil
	}

	lastOp := w.engine.LastOperation(docID)
	if lastOp == "" {
		return false, nil
	}

	payload := Payload{
		Document: docID,
		LastOpID: lastOp,
		Version:  w.engine.Version(docID),
		Nodes:    w.engine.Nodes(docID),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode snapshot payload: %w", err)
	}

	objectPath := ObjectPath(docID, lastOp)
	if _, err := w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return false, fmt.Errorf("upload snapshot: %w", err)
	}

	ref := storage.SnapshotRef{
		Document:    docID,
		OperationID: lastOp,
		Version:     payload.Version.Clone(),
		ObjectPath:  objectPath,
		LastLSN:     lastLSN,
		CreatedAt:   time.Now().UTC(),
	}

	if err := w.wal.RecordSnapshot(ctx, ref); err != nil {
		return false, fmt.Errorf("persist snapshot ref: %w", err)
	}

	w.mu.Lock()
	w.lastNodes[docID] = nodeCount
	w.mu.Unlock()
	w.wal.RecordBacklogMetric(docID, 0)

	w.logger.Info().Str("document", string(docID)).Str("op_id", string(lastOp)).Int64("lsn", lastLSN).Msg("snapshot created")
	return true, nil
}

// ObjectPath returns the object key for a document snapshot.
func ObjectPath(docID types.DocumentID, opID types.OperationID) string {
	return fmt.Sprintf("snapshots/%s/%s.json", docID, opID)
}

// DecodePayload unmarshals a snapshot payload.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}
