package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/treedoc/internal/types"
)

//go:embed schema_postgres.sql
var postgresSchema string

// PostgresWAL persists document events in Postgres and provides the recovery
// and snapshot lookups used at startup and by playback.
type PostgresWAL struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

var _ Store = (*PostgresWAL)(nil)

// WALOption configures the WAL store.
type WALOption func(*PostgresWAL)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) WALOption {
	return func(w *PostgresWAL) {
		w.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) WALOption {
	return func(w *PostgresWAL) {
		w.retryDelay = d
	}
}

// NewPostgresWAL constructs a WAL helper using the provided Postgres pool.
func NewPostgresWAL(pool *pgxpool.Pool, opts ...WALOption) *PostgresWAL {
	w := &PostgresWAL{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Migrate creates the WAL tables when they do not exist yet.
func (w *PostgresWAL) Migrate(ctx context.Context) error {
	return w.retry(ctx, func(ctx context.Context) error {
		_, err := w.pool.Exec(ctx, postgresSchema)
		return err
	})
}

// AppendOperation durably stores an event for the provided document.
// The insert is wrapped in a transaction and transient failures are retried.
func (w *PostgresWAL) AppendOperation(ctx context.Context, docID types.DocumentID, op types.WALRecord) (int64, error) {
	ctx, span := walTracer.Start(ctx, "wal.Append", trace.WithAttributes(
		attribute.String("document", string(docID)),
		attribute.String("operation", string(op.Operation)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		observeSince(walAppendSeconds, driverPostgres, start)
	}()

	op.Document = docID
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	version, err := encodeVersion(op.Version)
	if err != nil {
		return 0, err
	}

	var lsn int64
	err = w.retry(ctx, func(ctx context.Context) error {
		tx, err := w.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		row := tx.QueryRow(ctx, `
INSERT INTO document_operations (document_id, op_id, client_id, version, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING lsn`,
			string(op.Document), string(op.Operation), string(op.Client), version, op.Payload, op.CreatedAt,
		)
		if err := row.Scan(&lsn); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	return lsn, nil
}

// ActiveDocuments returns the set of documents that currently have WAL entries.
func (w *PostgresWAL) ActiveDocuments(ctx context.Context) ([]types.DocumentID, error) {
	rows, err := w.pool.Query(ctx, `SELECT DISTINCT document_id FROM document_operations ORDER BY document_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []types.DocumentID
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, types.DocumentID(doc))
	}
	return docs, rows.Err()
}

// ReplayDocument scans events for a document in LSN order, invoking the
// handler for each record after fromLSN.
func (w *PostgresWAL) ReplayDocument(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.WALRecord) error) error {
	ctx, span := walTracer.Start(ctx, "wal.Replay", trace.WithAttributes(
		attribute.String("document", string(docID)),
		attribute.Int64("from_lsn", fromLSN),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		observeSince(walReplaySeconds, driverPostgres, start)
	}()

	rows, err := w.pool.Query(ctx, `
                SELECT lsn, document_id, op_id, client_id, version, payload, created_at
                FROM document_operations
                WHERE document_id = $1 AND lsn > $2
                ORDER BY lsn`, string(docID), fromLSN)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			lsn        int64
			documentID string
			opID       string
			clientID   string
			version    []byte
			payload    []byte
			createdAt  time.Time
		)
		if err := rows.Scan(&lsn, &documentID, &opID, &clientID, &version, &payload, &createdAt); err != nil {
			return err
		}

		clock, err := decodeVersion(version)
		if err != nil {
			return err
		}

		record := types.WALRecord{
			LSN:       lsn,
			Operation: types.OperationID(opID),
			Document:  types.DocumentID(documentID),
			Client:    types.ClientID(clientID),
			Payload:   payload,
			Version:   clock,
			CreatedAt: createdAt,
		}

		if err := handler(record); err != nil {
			return err
		}
	}

	return rows.Err()
}

// OperationCountAfterLSN counts WAL entries recorded after lsn.
func (w *PostgresWAL) OperationCountAfterLSN(ctx context.Context, docID types.DocumentID, lsn int64) (int64, error) {
	var count int64
	err := w.pool.QueryRow(ctx, `
                SELECT count(*) FROM document_operations WHERE document_id = $1 AND lsn > $2
        `, string(docID), lsn).Scan(&count)
	return count, err
}

// LSNForOperation resolves an operation id to its WAL position and timestamp.
func (w *PostgresWAL) LSNForOperation(ctx context.Context, docID types.DocumentID, opID types.OperationID) (int64, time.Time, error) {
	var (
		lsn int64
		ts  time.Time
	)
	err := w.pool.QueryRow(ctx, `
                SELECT lsn, created_at FROM document_operations WHERE document_id = $1 AND op_id = $2
        `, string(docID), string(opID)).Scan(&lsn, &ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, time.Time{}, ErrNotFound
	}
	return lsn, ts, err
}

// LSNForTime returns the last WAL position recorded at or before ts.
func (w *PostgresWAL) LSNForTime(ctx context.Context, docID types.DocumentID, ts time.Time) (int64, error) {
	var lsn int64
	err := w.pool.QueryRow(ctx, `
                SELECT COALESCE(MAX(lsn), 0) FROM document_operations WHERE document_id = $1 AND created_at <= $2
        `, string(docID), ts).Scan(&lsn)
	if err != nil {
		return 0, err
	}
	if lsn == 0 {
		return 0, ErrNotFound
	}
	return lsn, nil
}

// LastCheckpoint returns the most recent persisted LSN for a document.
func (w *PostgresWAL) LastCheckpoint(ctx context.Context, docID types.DocumentID) (int64, error) {
	var lsn int64
	err := w.pool.QueryRow(ctx, `
                SELECT last_lsn FROM document_checkpoints WHERE document_id = $1
        `, string(docID)).Scan(&lsn)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return lsn, err
}

// RecordCheckpoint upserts the current LSN for a document.
func (w *PostgresWAL) RecordCheckpoint(ctx context.Context, docID types.DocumentID, lsn int64) error {
	return w.retry(ctx, func(ctx context.Context) error {
		_, err := w.pool.Exec(ctx, `
                        INSERT INTO document_checkpoints (document_id, last_lsn)
                        VALUES ($1, $2)
                        ON CONFLICT (document_id)
                        DO UPDATE SET last_lsn = GREATEST(document_checkpoints.last_lsn, EXCLUDED.last_lsn), checkpointed_at = now()
                `, string(docID), lsn)
		return err
	})
}

// RecordSnapshot stores a reference to an uploaded snapshot object.
func (w *PostgresWAL) RecordSnapshot(ctx context.Context, ref SnapshotRef) error {
	version, err := encodeVersion(ref.Version)
	if err != nil {
		return err
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	err = w.retry(ctx, func(ctx context.Context) error {
		_, err := w.pool.Exec(ctx, `
                        INSERT INTO document_snapshots (document_id, op_id, version, object_path, last_lsn, created_at)
                        VALUES ($1, $2, $3, $4, $5, $6)
                `, string(ref.Document), string(ref.OperationID), version, ref.ObjectPath, ref.LastLSN, ref.CreatedAt)
		return err
	})
	if err == nil {
		walSnapshotRefs.WithLabelValues(driverPostgres).Inc()
	}
	return err
}

// LatestSnapshot returns the newest snapshot recorded for a document.
func (w *PostgresWAL) LatestSnapshot(ctx context.Context, docID types.DocumentID) (SnapshotRef, error) {
	return w.scanSnapshot(w.pool.QueryRow(ctx, `
                SELECT document_id, op_id, version, object_path, last_lsn, created_at
                FROM document_snapshots
                WHERE document_id = $1
                ORDER BY last_lsn DESC, id DESC
                LIMIT 1`, string(docID)))
}

// SnapshotBeforeLSN returns the newest snapshot covering no more than lsn.
func (w *PostgresWAL) SnapshotBeforeLSN(ctx context.Context, docID types.DocumentID, lsn int64) (SnapshotRef, error) {
	return w.scanSnapshot(w.pool.QueryRow(ctx, `
                SELECT document_id, op_id, version, object_path, last_lsn, created_at
                FROM document_snapshots
                WHERE document_id = $1 AND last_lsn <= $2
                ORDER BY last_lsn DESC, id DESC
                LIMIT 1`, string(docID), lsn))
}

func (w *PostgresWAL) scanSnapshot(row pgx.Row) (SnapshotRef, error) {
	var (
		ref     SnapshotRef
		doc     string
		opID    string
		version []byte
	)
	err := row.Scan(&doc, &opID, &version, &ref.ObjectPath, &ref.LastLSN, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRef{}, ErrNotFound
	}
	if err != nil {
		return SnapshotRef{}, err
	}
	ref.Document = types.DocumentID(doc)
	ref.OperationID = types.OperationID(opID)
	ref.Version, err = decodeVersion(version)
	return ref, err
}

// RecordBacklogMetric exports the number of WAL entries past the last snapshot.
func (w *PostgresWAL) RecordBacklogMetric(docID types.DocumentID, backlog int64) {
	recordBacklog(docID, backlog)
}

// Close is a no-op; the pool is owned by config.Resources.
func (w *PostgresWAL) Close() error { return nil }

func (w *PostgresWAL) retry(ctx context.Context, fn func(context.Context) error) error {
	return retry(ctx, w.maxRetries, w.retryDelay, fn)
}

func retry(ctx context.Context, maxRetries int, delay time.Duration, fn func(context.Context) error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	if isSQLiteBusy(err) {
		return true
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

func encodeVersion(vc types.VectorClock) ([]byte, error) {
	if vc == nil {
		vc = types.VectorClock{}
	}
	data, err := json.Marshal(vc)
	if err != nil {
		return nil, fmt.Errorf("marshal version: %w", err)
	}
	return data, nil
}

func decodeVersion(data []byte) (types.VectorClock, error) {
	clock := types.VectorClock{}
	if len(data) == 0 {
		return clock, nil
	}
	if err := json.Unmarshal(data, &clock); err != nil {
		return nil, fmt.Errorf("decode version: %w", err)
	}
	return clock, nil
}
