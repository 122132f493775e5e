package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/treedoc/internal/types"
)

func openTestStore(t *testing.T) *SQLiteWAL {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "wal.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteWAL_AppendAndReplay(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, op := range []string{"op-1", "op-2", "op-3"} {
		lsn, err := s.AppendOperation(ctx, "doc", types.WALRecord{
			Operation: types.OperationID(op),
			Client:    "client-a",
			Payload:   []byte(op),
			Version:   types.VectorClock{"server": int64(i + 1)},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AppendOperation(%s) failed: %v", op, err)
		}
		if lsn != int64(i+1) {
			t.Fatalf("lsn = %d, want %d", lsn, i+1)
		}
	}
	if _, err := s.AppendOperation(ctx, "other", types.WALRecord{Operation: "x", Payload: []byte("x")}); err != nil {
		t.Fatalf("AppendOperation(other) failed: %v", err)
	}

	var got []types.WALRecord
	err := s.ReplayDocument(ctx, "doc", 1, func(rec types.WALRecord) error {
		got = append(got, rec)
		return nil
	})
	if err != nil {
		t.Fatalf("ReplayDocument() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("replayed %d records, want 2", len(got))
	}
	if got[0].Operation != "op-2" || got[1].Operation != "op-3" {
		t.Fatalf("unexpected replay order: %s, %s", got[0].Operation, got[1].Operation)
	}
	if got[1].Version["server"] != 3 {
		t.Fatalf("version = %v, want server:3", got[1].Version)
	}
	if !got[0].CreatedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("created_at = %v", got[0].CreatedAt)
	}
	if got[0].Client != "client-a" || string(got[0].Payload) != "op-2" {
		t.Fatalf("unexpected record %+v", got[0])
	}

	docs, err := s.ActiveDocuments(ctx)
	if err != nil {
		t.Fatalf("ActiveDocuments() failed: %v", err)
	}
	if len(docs) != 2 || docs[0] != "doc" || docs[1] != "other" {
		t.Fatalf("ActiveDocuments() = %v", docs)
	}

	count, err := s.OperationCountAfterLSN(ctx, "doc", 1)
	if err != nil || count != 2 {
		t.Fatalf("OperationCountAfterLSN() = %d, %v", count, err)
	}
}

func TestSQLiteWAL_ReplayHandlerErrorStops(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for _, op := range []string{"a", "b"} {
		if _, err := s.AppendOperation(ctx, "doc", types.WALRecord{Operation: types.OperationID(op), Payload: []byte(op)}); err != nil {
			t.Fatalf("AppendOperation() failed: %v", err)
		}
	}

	boom := errors.New("boom")
	calls := 0
	err := s.ReplayDocument(ctx, "doc", 0, func(types.WALRecord) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 1 {
		t.Fatalf("handler called %d times, want 1", calls)
	}
}

func TestSQLiteWAL_DuplicateOperationRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rec := types.WALRecord{Operation: "dup", Payload: []byte("p")}
	if _, err := s.AppendOperation(ctx, "doc", rec); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if _, err := s.AppendOperation(ctx, "doc", rec); err == nil {
		t.Fatal("expected duplicate op id to be rejected")
	}
}

func TestSQLiteWAL_LSNLookups(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, op := range []string{"op-1", "op-2"} {
		_, err := s.AppendOperation(ctx, "doc", types.WALRecord{
			Operation: types.OperationID(op),
			Payload:   []byte(op),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("AppendOperation() failed: %v", err)
		}
	}

	lsn, ts, err := s.LSNForOperation(ctx, "doc", "op-2")
	if err != nil {
		t.Fatalf("LSNForOperation() failed: %v", err)
	}
	if lsn != 2 || !ts.Equal(base.Add(time.Hour)) {
		t.Fatalf("LSNForOperation() = %d, %v", lsn, ts)
	}
	if _, _, err := s.LSNForOperation(ctx, "doc", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing op err = %v, want ErrNotFound", err)
	}

	lsn, err = s.LSNForTime(ctx, "doc", base.Add(30*time.Minute))
	if err != nil || lsn != 1 {
		t.Fatalf("LSNForTime() = %d, %v; want 1", lsn, err)
	}
	if _, err := s.LSNForTime(ctx, "doc", base.Add(-time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LSNForTime(before) err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteWAL_Checkpoints(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	lsn, err := s.LastCheckpoint(ctx, "doc")
	if err != nil || lsn != 0 {
		t.Fatalf("LastCheckpoint(empty) = %d, %v", lsn, err)
	}
	if err := s.RecordCheckpoint(ctx, "doc", 10); err != nil {
		t.Fatalf("RecordCheckpoint() failed: %v", err)
	}
	if err := s.RecordCheckpoint(ctx, "doc", 4); err != nil {
		t.Fatalf("RecordCheckpoint() failed: %v", err)
	}
	lsn, err = s.LastCheckpoint(ctx, "doc")
	if err != nil || lsn != 10 {
		t.Fatalf("LastCheckpoint() = %d, %v; want 10", lsn, err)
	}
}

func TestSQLiteWAL_Snapshots(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.LatestSnapshot(ctx, "doc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestSnapshot(empty) err = %v, want ErrNotFound", err)
	}

	for _, ref := range []SnapshotRef{
		{Document: "doc", OperationID: "op-5", ObjectPath: "doc/5.json", LastLSN: 5, Version: types.VectorClock{"a": 5}},
		{Document: "doc", OperationID: "op-9", ObjectPath: "doc/9.json", LastLSN: 9, Version: types.VectorClock{"a": 9}},
	} {
		if err := s.RecordSnapshot(ctx, ref); err != nil {
			t.Fatalf("RecordSnapshot() failed: %v", err)
		}
	}

	latest, err := s.LatestSnapshot(ctx, "doc")
	if err != nil {
		t.Fatalf("LatestSnapshot() failed: %v", err)
	}
	if latest.LastLSN != 9 || latest.ObjectPath != "doc/9.json" || latest.Version["a"] != 9 {
		t.Fatalf("LatestSnapshot() = %+v", latest)
	}

	before, err := s.SnapshotBeforeLSN(ctx, "doc", 7)
	if err != nil {
		t.Fatalf("SnapshotBeforeLSN() failed: %v", err)
	}
	if before.OperationID != "op-5" {
		t.Fatalf("SnapshotBeforeLSN(7) = %+v", before)
	}
	if _, err := s.SnapshotBeforeLSN(ctx, "doc", 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SnapshotBeforeLSN(2) err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteWAL_MigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate() failed: %v", err)
	}
}
