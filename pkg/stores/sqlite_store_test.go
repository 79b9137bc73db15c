package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}

	path := filepath.Join(t.TempDir(), "nested", "enginelink.db")
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	// reopening runs migrations again without error
	store, err = Open(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	store.Close()
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"sessions", "binaries"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestSessionLedger(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess := &Session{
		ID:         "sess-1",
		Endpoint:   "127.0.0.1:41234",
		Launcher:   "exec",
		BinaryPath: "/cache/v0.9.0/linux-amd64/engine",
		Version:    "v0.9.0",
		PID:        1234,
		Labels:     map[string]string{"team": "infra"},
	}
	if err := store.RecordSession(ctx, sess); err != nil {
		t.Fatalf("failed to record session: %v", err)
	}

	got, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.Status != SessionStatusRunning {
		t.Errorf("expected status running, got %s", got.Status)
	}
	if got.Labels["team"] != "infra" {
		t.Errorf("labels not round-tripped: %v", got.Labels)
	}
	if got.PID != 1234 || got.Endpoint != sess.Endpoint {
		t.Errorf("unexpected session %+v", got)
	}
	if got.StoppedAt != nil {
		t.Error("running session should not have stopped_at")
	}

	if err := store.FinishSession(ctx, "sess-1", nil); err != nil {
		t.Fatalf("failed to finish session: %v", err)
	}
	got, _ = store.GetSession(ctx, "sess-1")
	if got.Status != SessionStatusStopped || got.StoppedAt == nil {
		t.Errorf("expected stopped session with stopped_at, got %+v", got)
	}

	if err := store.RecordSession(ctx, &Session{ID: "sess-2", Endpoint: "e", Launcher: "remote"}); err != nil {
		t.Fatal(err)
	}
	if err := store.FinishSession(ctx, "sess-2", errors.New("engine exited with code 2")); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetSession(ctx, "sess-2")
	if got.Status != SessionStatusFailed || got.Error == nil || *got.Error != "engine exited with code 2" {
		t.Errorf("expected failed session with error, got %+v", got)
	}

	if err := store.FinishSession(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListSessions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		err := store.RecordSession(ctx, &Session{
			ID:        fmt.Sprintf("sess-%d", i),
			Endpoint:  "127.0.0.1:1",
			Launcher:  "exec",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := store.FinishSession(ctx, "sess-0", nil); err != nil {
		t.Fatal(err)
	}

	all, err := store.ListSessions(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 sessions, got %d", len(all))
	}
	if all[0].ID != "sess-4" {
		t.Errorf("expected newest first, got %s", all[0].ID)
	}

	page, _ := store.ListSessions(ctx, "", 2, 2)
	if len(page) != 2 || page[0].ID != "sess-2" {
		t.Errorf("unexpected page %v", page)
	}

	running, _ := store.ListSessions(ctx, SessionStatusRunning, 10, 0)
	if len(running) != 4 {
		t.Errorf("expected 4 running sessions, got %d", len(running))
	}
}

func TestBinaryIndex(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	b := &Binary{Version: "v0.9.0", Platform: "linux-amd64", Path: "/cache/a", SHA256: "aa", Size: 10}
	if err := store.PutBinary(ctx, b); err != nil {
		t.Fatalf("failed to put binary: %v", err)
	}

	got, err := store.GetBinary(ctx, "v0.9.0", "linux-amd64")
	if err != nil {
		t.Fatalf("failed to get binary: %v", err)
	}
	if got.SHA256 != "aa" || got.Size != 10 {
		t.Errorf("unexpected binary %+v", got)
	}

	// upsert replaces the entry
	b.SHA256 = "bb"
	if err := store.PutBinary(ctx, b); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetBinary(ctx, "v0.9.0", "linux-amd64")
	if got.SHA256 != "bb" {
		t.Errorf("expected upserted checksum, got %s", got.SHA256)
	}

	if err := store.PutBinary(ctx, &Binary{Version: "v0.8.0", Platform: "linux-amd64", Path: "/cache/b", SHA256: "cc"}); err != nil {
		t.Fatal(err)
	}
	list, err := store.ListBinaries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 binaries, got %d", len(list))
	}

	if err := store.DeleteBinary(ctx, "v0.8.0", "linux-amd64"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetBinary(ctx, "v0.8.0", "linux-amd64"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteBinary(ctx, "v0.8.0", "linux-amd64"); err != nil {
		t.Errorf("deleting a missing binary should succeed, got %v", err)
	}
}
