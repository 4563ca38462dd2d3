package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/picopip/picopip/pkg/engine"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "journal.db")})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecord(id string, started time.Time) *engine.SessionRecord {
	return &engine.SessionRecord{
		ID:        id,
		Kind:      "install",
		Target:    "dir:/tmp/lib",
		Arguments: []string{"install", "neopixel"},
		Actions: []engine.ActionRecord{
			{Type: engine.ActionInstall, Name: "neopixel", VersionAfter: "6.3.0"},
			{Type: engine.ActionUpgrade, Name: "adafruit-requests", VersionBefore: "1.0", VersionAfter: "2.0"},
		},
		Skipped:     1,
		StartedAt:   started,
		CompletedAt: started.Add(3 * time.Second),
	}
}

func TestRecordAndGetSession(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	want := sampleRecord("s1", time.Now().UTC().Truncate(time.Second))
	if err := store.RecordSession(ctx, want); err != nil {
		t.Fatalf("RecordSession failed: %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Kind != want.Kind || got.Target != want.Target || got.Skipped != want.Skipped {
		t.Errorf("session round trip mismatch: %+v", got)
	}
	if len(got.Arguments) != 2 || got.Arguments[1] != "neopixel" {
		t.Errorf("arguments not preserved: %v", got.Arguments)
	}
	if len(got.Actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(got.Actions))
	}
	if got.Actions[0].Name != "neopixel" || got.Actions[1].VersionBefore != "1.0" {
		t.Errorf("actions not preserved in order: %+v", got.Actions)
	}
}

func TestRecordSessionWithError(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	record := sampleRecord("failed", time.Now())
	record.Error = "[permanent] installer exited with status 1: "
	record.Actions = nil
	if err := store.RecordSession(ctx, record); err != nil {
		t.Fatalf("RecordSession failed: %v", err)
	}

	got, err := store.GetSession(ctx, "failed")
	if err != nil {
		t.Fatal(err)
	}
	if got.Error == "" {
		t.Error("expected error message preserved")
	}
	if len(got.Actions) != 0 {
		t.Errorf("expected no actions, got %d", len(got.Actions))
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"old", "mid", "new"} {
		if err := store.RecordSession(ctx, sampleRecord(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.ListSessions(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "mid" {
		ids := make([]string, len(got))
		for i, r := range got {
			ids[i] = r.ID
		}
		t.Errorf("expected [new mid], got %v", ids)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store := testStore(t)
	if _, err := store.GetSession(context.Background(), "missing"); err == nil {
		t.Error("expected error for missing session")
	}
}

func TestPruneSessions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		record := sampleRecord(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
		if err := store.RecordSession(ctx, record); err != nil {
			t.Fatal(err)
		}
	}

	pruned, err := store.PruneSessions(ctx, 2)
	if err != nil {
		t.Fatalf("PruneSessions failed: %v", err)
	}
	if pruned != 3 {
		t.Errorf("expected 3 pruned sessions, got %d", pruned)
	}
	remaining, err := store.ListSessions(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 || remaining[0].ID != "e" {
		t.Errorf("unexpected remaining sessions %v", remaining)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}
