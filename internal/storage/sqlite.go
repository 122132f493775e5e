package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/treedoc/internal/types"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLiteWAL is the single-node Store backend. It keeps the same tables as
// PostgresWAL in one SQLite file opened in WAL journal mode.
type SQLiteWAL struct {
	db         *sql.DB
	maxRetries int
	retryDelay time.Duration
}

var _ Store = (*SQLiteWAL)(nil)

// OpenSQLite creates or opens the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteWAL, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	s := &SQLiteWAL{db: db, maxRetries: 3, retryDelay: 50 * time.Millisecond}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the WAL tables when they do not exist yet.
func (s *SQLiteWAL) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

// AppendOperation stores an event and returns its LSN.
func (s *SQLiteWAL) AppendOperation(ctx context.Context, docID types.DocumentID, op types.WALRecord) (int64, error) {
	ctx, span := walTracer.Start(ctx, "wal.Append", trace.WithAttributes(
		attribute.String("document", string(docID)),
		attribute.String("operation", string(op.Operation)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		observeSince(walAppendSeconds, driverSQLite, start)
	}()

	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	version, err := encodeVersion(op.Version)
	if err != nil {
		return 0, err
	}

	var lsn int64
	err = retry(ctx, s.maxRetries, s.retryDelay, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
INSERT INTO document_operations (document_id, op_id, client_id, version, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
			string(docID), string(op.Operation), string(op.Client), string(version), op.Payload, op.CreatedAt.UnixNano(),
		)
		if err != nil {
			return err
		}
		lsn, err = res.LastInsertId()
		return err
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return lsn, nil
}

// ActiveDocuments returns the set of documents that currently have WAL entries.
func (s *SQLiteWAL) ActiveDocuments(ctx context.Context) ([]types.DocumentID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT document_id FROM document_operations ORDER BY document_id`)
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

// ReplayDocument invokes handler for each record after fromLSN in LSN order.
func (s *SQLiteWAL) ReplayDocument(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.WALRecord) error) error {
	start := time.Now()
	defer func() {
		observeSince(walReplaySeconds, driverSQLite, start)
	}()

	rows, err := s.db.QueryContext(ctx, `
SELECT lsn, document_id, op_id, client_id, version, payload, created_at
FROM document_operations
WHERE document_id = ? AND lsn > ?
ORDER BY lsn`, string(docID), fromLSN)
	if err != nil {
		return err
	}
	defer rows.Close()

	// Records are buffered so the handler may call back into the store while
	// the single connection is still held by the cursor.
	var records []types.WALRecord
	for rows.Next() {
		var (
			rec       types.WALRecord
			document  string
			opID      string
			clientID  string
			version   string
			createdAt int64
		)
		if err := rows.Scan(&rec.LSN, &document, &opID, &clientID, &version, &rec.Payload, &createdAt); err != nil {
			return err
		}
		rec.Document = types.DocumentID(document)
		rec.Operation = types.OperationID(opID)
		rec.Client = types.ClientID(clientID)
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		if rec.Version, err = decodeVersion([]byte(version)); err != nil {
			return err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, rec := range records {
		if err := handler(rec); err != nil {
			return err
		}
	}
	return nil
}

// OperationCountAfterLSN counts WAL entries recorded after lsn.
func (s *SQLiteWAL) OperationCountAfterLSN(ctx context.Context, docID types.DocumentID, lsn int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM document_operations WHERE document_id = ? AND lsn > ?`,
		string(docID), lsn).Scan(&count)
	return count, err
}

// LSNForOperation resolves an operation id to its WAL position and timestamp.
func (s *SQLiteWAL) LSNForOperation(ctx context.Context, docID types.DocumentID, opID types.OperationID) (int64, time.Time, error) {
	var lsn, ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT lsn, created_at FROM document_operations WHERE document_id = ? AND op_id = ?`,
		string(docID), string(opID)).Scan(&lsn, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, ErrNotFound
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	return lsn, time.Unix(0, ts).UTC(), nil
}

// LSNForTime returns the last WAL position recorded at or before ts.
func (s *SQLiteWAL) LSNForTime(ctx context.Context, docID types.DocumentID, ts time.Time) (int64, error) {
	var lsn int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(lsn), 0) FROM document_operations WHERE document_id = ? AND created_at <= ?`,
		string(docID), ts.UnixNano()).Scan(&lsn)
	if err != nil {
		return 0, err
	}
	if lsn == 0 {
		return 0, ErrNotFound
	}
	return lsn, nil
}

// LastCheckpoint returns the most recent persisted LSN for a document.
func (s *SQLiteWAL) LastCheckpoint(ctx context.Context, docID types.DocumentID) (int64, error) {
	var lsn int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_lsn FROM document_checkpoints WHERE document_id = ?`, string(docID)).Scan(&lsn)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return lsn, err
}

// RecordCheckpoint upserts the current LSN for a document. Checkpoints never
// move backwards.
func (s *SQLiteWAL) RecordCheckpoint(ctx context.Context, docID types.DocumentID, lsn int64) error {
	return retry(ctx, s.maxRetries, s.retryDelay, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO document_checkpoints (document_id, last_lsn, checkpointed_at)
VALUES (?, ?, ?)
ON CONFLICT (document_id)
DO UPDATE SET last_lsn = MAX(last_lsn, excluded.last_lsn), checkpointed_at = excluded.checkpointed_at`,
			string(docID), lsn, time.Now().UnixNano())
		return err
	})
}

// RecordSnapshot stores a reference to an uploaded snapshot object.
func (s *SQLiteWAL) RecordSnapshot(ctx context.Context, ref SnapshotRef) error {
	version, err := encodeVersion(ref.Version)
	if err != nil {
		return err
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	err = retry(ctx, s.maxRetries, s.retryDelay, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO document_snapshots (document_id, op_id, version, object_path, last_lsn, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
			string(ref.Document), string(ref.OperationID), string(version), ref.ObjectPath, ref.LastLSN, ref.CreatedAt.UnixNano())
		return err
	})
	if err == nil {
		walSnapshotRefs.WithLabelValues(driverSQLite).Inc()
	}
	return err
}

// LatestSnapshot returns the newest snapshot recorded for a document.
func (s *SQLiteWAL) LatestSnapshot(ctx context.Context, docID types.DocumentID) (SnapshotRef, error) {
	return scanSQLiteSnapshot(s.db.QueryRowContext(ctx, `
SELECT document_id, op_id, version, object_path, last_lsn, created_at
FROM document_snapshots
WHERE document_id = ?
ORDER BY last_lsn DESC, id DESC
LIMIT 1`, string(docID)))
}

// SnapshotBeforeLSN returns the newest snapshot covering no more than lsn.
func (s *SQLiteWAL) SnapshotBeforeLSN(ctx context.Context, docID types.DocumentID, lsn int64) (SnapshotRef, error) {
	return scanSQLiteSnapshot(s.db.QueryRowContext(ctx, `
SELECT document_id, op_id, version, object_path, last_lsn, created_at
FROM document_snapshots
WHERE document_id = ? AND last_lsn <= ?
ORDER BY last_lsn DESC, id DESC
LIMIT 1`, string(docID), lsn))
}

func scanSQLiteSnapshot(row *sql.Row) (SnapshotRef, error) {
	var (
		ref       SnapshotRef
		doc       string
		opID      string
		version   string
		createdAt int64
	)
	err := row.Scan(&doc, &opID, &version, &ref.ObjectPath, &ref.LastLSN, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotRef{}, ErrNotFound
	}
	if err != nil {
		return SnapshotRef{}, err
	}
	ref.Document = types.DocumentID(doc)
	ref.OperationID = types.OperationID(opID)
	ref.CreatedAt = time.Unix(0, createdAt).UTC()
	ref.Version, err = decodeVersion([]byte(version))
	return ref, err
}

// RecordBacklogMetric exports the number of WAL entries past the last snapshot.
func (s *SQLiteWAL) RecordBacklogMetric(docID types.DocumentID, backlog int64) {
	recordBacklog(docID, backlog)
}

// Close closes the database.
func (s *SQLiteWAL) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
