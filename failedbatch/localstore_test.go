package failedbatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestLocalStorePersistListLoadArchive(t *testing.T) {
	store, err := NewLocalStore(filepath.Join(t.TempDir(), "failed-batches"))
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	store.nowFn = func() time.Time { return time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	payload := []byte(`[{"host":"10.0.0.1"}]`)
	if err := store.Persist(ctx, "batch-1", "firewall", payload, "terminal", "boom", 1); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	fbr, err := store.Load(ctx, entries[0])
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fbr.BatchID != "batch-1" || fbr.ErrorCategory != "terminal" {
		t.Fatalf("unexpected record: %+v", fbr)
	}

	if err := store.Archive(ctx, entries[0], time.Date(2026, 7, 31, 11, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	remaining, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List after archive: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected archived entry to be excluded from List, got %d", len(remaining))
	}
}

func TestNewLocalStoreRejectsRelativePath(t *testing.T) {
	if _, err := NewLocalStore("relative/path"); err == nil {
		t.Fatal("expected error for relative directory")
	}
}
