package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	return db
}

func TestInitSchemaIdempotent(t *testing.T) {
	db := setupTestDB(t)

	if err := db.InitSchema(); err != nil {
		t.Errorf("InitSchema should be safe to call twice: %v", err)
	}
}

func TestUpsertRecordsTransactional(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	items := []map[string]any{
		{"id": "p1", "name": "Keyboard", "price": 49.9},
		{"id": "p2", "name": "Mouse", "price": 19.9},
		{"name": "no key, skipped"},
	}

	written, err := db.UpsertRecords(ctx, "products", "id", items)
	if err != nil {
		t.Fatalf("UpsertRecords failed: %v", err)
	}
	if written != 2 {
		t.Errorf("expected 2 rows written, got %d", written)
	}

	count, err := db.CountRecords(ctx, "products")
	if err != nil {
		t.Fatalf("CountRecords failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 records, got %d", count)
	}

	rec, err := db.GetRecord(ctx, "products", "p1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if rec == nil || rec.Data["name"] != "Keyboard" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.SyncStatus != "S" {
		t.Errorf("freshly imported rows should be synced, got %q", rec.SyncStatus)
	}
}

func TestUpsertPreservesPendingStatus(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	// Stage a local pending update.
	if err := db.PutRecord(ctx, "products", "p1", map[string]any{"id": "p1", "name": "Local edit"}, "U"); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	// A re-import must refresh the data but keep the pending tag.
	_, err := db.UpsertRecords(ctx, "products", "id", []map[string]any{
		{"id": "p1", "name": "Remote truth"},
	})
	if err != nil {
		t.Fatalf("UpsertRecords failed: %v", err)
	}

	rec, _ := db.GetRecord(ctx, "products", "p1")
	if rec.Data["name"] != "Remote truth" {
		t.Errorf("import should refresh data, got %v", rec.Data["name"])
	}
	if rec.SyncStatus != "U" {
		t.Errorf("import must not discard a pending outbound change, got %q", rec.SyncStatus)
	}
}

func TestListPendingAndSetStatus(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_ = db.PutRecord(ctx, "customers", "c1", map[string]any{"id": "c1"}, "C")
	_ = db.PutRecord(ctx, "customers", "c2", map[string]any{"id": "c2"}, "U")
	_ = db.PutRecord(ctx, "customers", "c3", map[string]any{"id": "c3"}, "D")
	_ = db.PutRecord(ctx, "customers", "c4", map[string]any{"id": "c4"}, "S")
	_ = db.PutRecord(ctx, "customers", "c5", map[string]any{"id": "c5"}, "E")

	pending, err := db.ListPending(ctx, "customers")
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending rows, got %d", len(pending))
	}

	if err := db.SetSyncStatus(ctx, "customers", "c1", "E", "remote rejected"); err != nil {
		t.Fatalf("SetSyncStatus failed: %v", err)
	}
	rec, _ := db.GetRecord(ctx, "customers", "c1")
	if rec.SyncStatus != "E" || rec.SyncError != "remote rejected" {
		t.Errorf("unexpected status after failure: %q %q", rec.SyncStatus, rec.SyncError)
	}

	if err := db.SetSyncStatus(ctx, "customers", "missing", "S", ""); err == nil {
		t.Error("SetSyncStatus on an unknown record should fail")
	}
}

func TestListIDs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, _ = db.UpsertRecords(ctx, "products", "id", []map[string]any{
		{"id": "b"}, {"id": "a"}, {"id": "c"},
	})

	ids, err := db.ListIDs(ctx, "products")
	if err != nil {
		t.Fatalf("ListIDs failed: %v", err)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Errorf("expected sorted ids [a b c], got %v", ids)
	}
}

func TestDeleteRecordIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_ = db.PutRecord(ctx, "products", "p1", map[string]any{"id": "p1"}, "S")

	if err := db.DeleteRecord(ctx, "products", "p1"); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	if err := db.DeleteRecord(ctx, "products", "p1"); err != nil {
		t.Errorf("deleting a missing record should be a no-op, got %v", err)
	}
}

func TestNumericKeysNormalized(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	// JSON numbers decode as float64; the id column must still be "42".
	_, err := db.UpsertRecords(ctx, "products", "id", []map[string]any{
		{"id": float64(42), "name": "Answer"},
	})
	if err != nil {
		t.Fatalf("UpsertRecords failed: %v", err)
	}

	rec, err := db.GetRecord(ctx, "products", "42")
	if err != nil || rec == nil {
		t.Fatalf("expected record under id 42, got %v (%v)", rec, err)
	}
}

func TestSyncHistoryRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	err := db.AppendSyncHistory(ctx, &SyncHistory{
		Domain:   "products",
		Created:  2,
		Updated:  1,
		Deleted:  1,
		Errors:   1,
		Total:    5,
		Duration: 1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("AppendSyncHistory failed: %v", err)
	}

	entries, err := db.ListSyncHistory(ctx, "products", 10)
	if err != nil {
		t.Fatalf("ListSyncHistory failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(entries))
	}
	h := entries[0]
	if h.Created != 2 || h.Updated != 1 || h.Deleted != 1 || h.Errors != 1 || h.Total != 5 {
		t.Errorf("unexpected history counters: %+v", h)
	}
	if h.Duration != 1500*time.Millisecond {
		t.Errorf("expected 1.5s duration, got %v", h.Duration)
	}
	if h.RanAt.IsZero() {
		t.Error("expected ran_at to be set")
	}
}
