package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/treedoc/internal/types"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// SnapshotRef points at a snapshot object and the WAL position it covers.
type SnapshotRef struct {
	Document    types.DocumentID  `json:"document_id"`
	OperationID types.OperationID `json:"operation_id"`
	Version     types.VectorClock `json:"version"`
	ObjectPath  string            `json:"object_path"`
	LastLSN     int64             `json:"last_lsn"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Store is the durable operation log shared by the Postgres and SQLite
// backends.
type Store interface {
	Migrate(ctx context.Context) error
	AppendOperation(ctx context.Context, docID types.DocumentID, op types.WALRecord) (int64, error)
	ActiveDocuments(ctx context.Context) ([]types.DocumentID, error)
	ReplayDocument(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.WALRecord) error) error
	OperationCountAfterLSN(ctx context.Context, docID types.DocumentID, lsn int64) (int64, error)
	LSNForOperation(ctx context.Context, docID types.DocumentID, opID types.OperationID) (int64, time.Time, error)
	LSNForTime(ctx context.Context, docID types.DocumentID, ts time.Time) (int64, error)
	LastCheckpoint(ctx context.Context, docID types.DocumentID) (int64, error)
	RecordCheckpoint(ctx context.Context, docID types.DocumentID, lsn int64) error
	RecordSnapshot(ctx context.Context, ref SnapshotRef) error
	LatestSnapshot(ctx context.Context, docID types.DocumentID) (SnapshotRef, error)
	SnapshotBeforeLSN(ctx context.Context, docID types.DocumentID, lsn int64) (SnapshotRef, error)
	RecordBacklogMetric(docID types.DocumentID, backlog int64)
	Close() error
}

func recordBacklog(docID types.DocumentID, backlog int64) {
	walBacklog.WithLabelValues(string(docID)).Set(float64(backlog))
}
