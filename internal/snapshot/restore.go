package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/treedoc/internal/crdt"
	"github.com/example/treedoc/internal/storage"
	"github.com/example/treedoc/internal/types"
)

// Loader fetches snapshot objects. playback.ObjectLoader satisfies it.
type Loader interface {
	Load(ctx context.Context, bucket, objectPath string) ([]byte, error)
}

// Recover rebuilds every document found in the WAL: it restores the latest
// snapshot when one can be loaded and replays the operations recorded after
// it. loader may be nil, in which case the full WAL is replayed.
func Recover(ctx context.Context, wal storage.Store, engine *crdt.Engine, loader Loader, bucket string, logger zerolog.Logger) error {
	docs, err := wal.ActiveDocuments(ctx)
	if err != nil {
		return fmt.Errorf("list active wal documents: %w", err)
	}

	for _, docID := range docs {
		docLogger := logger.With().Str("document", string(docID)).Logger()

		startLSN, err := restoreLatest(ctx, wal, engine, loader, bucket, docID)
		if err != nil {
			docLogger.Error().Err(err).Msg("failed to restore snapshot; replaying full WAL")
			engine.Clear(docID)
			startLSN = 0
		}

		if err := wal.ReplayDocument(ctx, docID, startLSN, engine.ApplyWAL); err != nil {
			return fmt.Errorf("replay document %s: %w", docID, err)
		}

		last := engine.LastLSN(docID)
		if last > 0 {
			if err := wal.RecordCheckpoint(ctx, docID, last); err != nil {
				docLogger.Error().Err(err).Msg("checkpoint after replay failed")
			}
		}
		docLogger.Info().Int64("snapshot_lsn", startLSN).Int64("lsn", last).Int("nodes", engine.NodeCount(docID, true)).Msg("document recovered")
	}

	return nil
}

func restoreLatest(ctx context.Context, wal storage.Store, engine *crdt.Engine, loader Loader, bucket string, docID types.DocumentID) (int64, error) {
	if loader == nil {
		return 0, nil
	}

	ref, err := wal.LatestSnapshot(ctx, docID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup snapshot: %w", err)
	}

	data, err := loader.Load(ctx, bucket, ref.ObjectPath)
	if err != nil {
		return 0, fmt.Errorf("load snapshot object: %w", err)
	}
	payload, err := DecodePayload(data)
	if err != nil {
		return 0, fmt.Errorf("decode snapshot: %w", err)
	}
	if payload.Document != "" && payload.Document != docID {
		return 0, fmt.Errorf("snapshot %s belongs to document %s", ref.ObjectPath, payload.Document)
	}

	engine.Restore(docID, payload.Nodes, ref.OperationID, ref.LastLSN)
	return ref.LastLSN, nil
}
