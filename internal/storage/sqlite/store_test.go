package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/driftwire/driftwire/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	})
	return store
}

func commitRecord(resourceID string, rev uint64) storage.CommitRecord {
	return storage.CommitRecord{
		CommitID:       "cmt_" + resourceID + "_" + strconv.FormatUint(rev, 10),
		ResourceID:     resourceID,
		TenantID:       "tenant-a",
		Env:            "prod",
		Rev:            rev,
		Seq:            rev,
		CommandID:      "cmd-1",
		IdempotencyKey: "key-1",
		ActorID:        "actor-1",
		ActorType:      "human",
		OpsJSON:        []byte(`[{"op":"set","path":"/title"}]`),
		OpsHash:        "hash",
		CommittedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestOpenRunsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	})

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer func() {
		_ = sqlDB.Close()
	}()

	for _, table := range []string{"commits", "snapshots"} {
		row := sqlDB.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
		var name string
		if err := row.Scan(&name); err != nil {
			t.Fatalf("expected table %s: %v", table, err)
		}
	}
}

func TestAppendCommitAndHeadRev(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if head, err := store.HeadRev(ctx, "canvas-1"); err != nil || head != 0 {
		t.Fatalf("expected head 0 for fresh resource, got %d, %v", head, err)
	}

	for rev := uint64(1); rev <= 3; rev++ {
		if err := store.AppendCommit(ctx, commitRecord("canvas-1", rev)); err != nil {
			t.Fatalf("append rev %d: %v", rev, err)
		}
	}
	if err := store.AppendCommit(ctx, commitRecord("canvas-2", 1)); err != nil {
		t.Fatalf("append other resource: %v", err)
	}

	head, err := store.HeadRev(ctx, "canvas-1")
	if err != nil {
		t.Fatalf("head rev: %v", err)
	}
	if head != 3 {
		t.Fatalf("expected head 3, got %d", head)
	}
}

func TestAppendCommitIdempotentOnCommitID(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	record := commitRecord("canvas-1", 1)
	if err := store.AppendCommit(ctx, record); err != nil {
		t.Fatalf("append: %v", err)
	}
	// A write-behind retry must not fail or duplicate.
	if err := store.AppendCommit(ctx, record); err != nil {
		t.Fatalf("retry append: %v", err)
	}

	records, err := store.ListCommitsSince(ctx, "canvas-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func TestListCommitsSinceOrdersAscending(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	// Insert out of order; rev ordering is the store's job.
	for _, rev := range []uint64{3, 1, 2, 5, 4} {
		if err := store.AppendCommit(ctx, commitRecord("canvas-1", rev)); err != nil {
			t.Fatalf("append rev %d: %v", rev, err)
		}
	}

	records, err := store.ListCommitsSince(ctx, "canvas-1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records after rev 2, got %d", len(records))
	}
	for i, record := range records {
		want := uint64(3 + i)
		if record.Rev != want {
			t.Fatalf("expected rev %d at index %d, got %d", want, i, record.Rev)
		}
	}
	if records[0].OpsHash != "hash" || len(records[0].OpsJSON) == 0 {
		t.Fatalf("record lost ops payload: %+v", records[0])
	}
	if !records[0].CommittedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected committed_at %v", records[0].CommittedAt)
	}
}

func TestSnapshotRefRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if _, err := store.SnapshotRef(ctx, "tenant-a", "canvas-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected %v for fresh resource, got %v", storage.ErrNotFound, err)
	}

	if err := store.SaveSnapshotRef(ctx, storage.SnapshotRecord{
		TenantID:   "tenant-a",
		ResourceID: "canvas-1",
		Ref:        "artifact://snapshots/canvas-1/10",
		Rev:        10,
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	ref, err := store.SnapshotRef(ctx, "tenant-a", "canvas-1")
	if err != nil {
		t.Fatalf("snapshot ref: %v", err)
	}
	if ref != "artifact://snapshots/canvas-1/10" {
		t.Fatalf("unexpected ref %q", ref)
	}

	// Other tenants never see the reference.
	if _, err := store.SnapshotRef(ctx, "tenant-b", "canvas-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected %v for cross-tenant lookup, got %v", storage.ErrNotFound, err)
	}
}

func TestSaveSnapshotRefKeepsFresherRevision(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if err := store.SaveSnapshotRef(ctx, storage.SnapshotRecord{
		TenantID:   "tenant-a",
		ResourceID: "canvas-1",
		Ref:        "artifact://snapshots/canvas-1/20",
		Rev:        20,
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// A stale pipeline worker reporting an older snapshot loses.
	if err := store.SaveSnapshotRef(ctx, storage.SnapshotRecord{
		TenantID:   "tenant-a",
		ResourceID: "canvas-1",
		Ref:        "artifact://snapshots/canvas-1/5",
		Rev:        5,
	}); err != nil {
		t.Fatalf("stale save: %v", err)
	}

	ref, err := store.SnapshotRef(ctx, "tenant-a", "canvas-1")
	if err != nil {
		t.Fatalf("snapshot ref: %v", err)
	}
	if ref != "artifact://snapshots/canvas-1/20" {
		t.Fatalf("stale writer overwrote fresher ref: %q", ref)
	}
}
