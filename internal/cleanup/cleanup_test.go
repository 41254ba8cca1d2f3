package cleanup

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aether3d/ingest/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	expiredForUser []*domain.UploadSession
	allExpired     []*domain.UploadSession
	activeIDs      map[string]bool
	expired        []string
	onExpire       func(id string)
}

func (f *fakeStore) ExpiredSessionsForUser(ctx context.Context, userID string, now time.Time) ([]*domain.UploadSession, error) {
	return f.expiredForUser, nil
}

func (f *fakeStore) AllExpiredSessions(ctx context.Context, now time.Time) ([]*domain.UploadSession, error) {
	return f.allExpired, nil
}

func (f *fakeStore) ActiveSessionIDs(ctx context.Context) (map[string]bool, error) {
	return f.activeIDs, nil
}

func (f *fakeStore) ExpireSession(ctx context.Context, id string) error {
	f.expired = append(f.expired, id)
	if f.onExpire != nil {
		f.onExpire(id)
	}
	return nil
}

func mkSessionTree(t *testing.T, root, uploadID string, chunkFiles int) {
	t.Helper()
	chunksDir := filepath.Join(root, uploadID, "chunks")
	if err := os.MkdirAll(chunksDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < chunkFiles; i++ {
		p := filepath.Join(chunksDir, filepath.Base(chunksDir)+string(rune('0'+i))+".chunk")
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	assemblyDir := filepath.Join(root, uploadID, "assembly")
	if err := os.MkdirAll(assemblyDir, 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestTier1_RemovesChunksAndAssemblyDirs(t *testing.T) {
	root := t.TempDir()
	mkSessionTree(t, root, "sess-1", 3)

	e := NewEngine(&fakeStore{}, root, testLogger())
	res := e.Tier1("sess-1")

	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if res.ChunksDeleted != 3 {
		t.Errorf("expected 3 chunks deleted, got %d", res.ChunksDeleted)
	}
	if _, err := os.Stat(filepath.Join(root, "sess-1", "chunks")); !os.IsNotExist(err) {
		t.Error("expected chunks dir to be removed")
	}
	if _, err := os.Stat(filepath.Join(root, "sess-1", "assembly")); !os.IsNotExist(err) {
		t.Error("expected assembly dir to be removed")
	}
}

func TestTier2_ExpiresBeforeDeletingFiles(t *testing.T) {
	root := t.TempDir()
	mkSessionTree(t, root, "sess-2", 1)

	fs := &fakeStore{expiredForUser: []*domain.UploadSession{{ID: "sess-2", UserID: "user-1"}}}
	dirPresentAtExpiry := false
	fs.onExpire = func(id string) {
		_, err := os.Stat(filepath.Join(root, id))
		dirPresentAtExpiry = err == nil
	}
	e := NewEngine(fs, root, testLogger())

	res := e.Tier2(context.Background(), "user-1", time.Now())

	if !dirPresentAtExpiry {
		t.Error("expected session files to still exist when the session was marked expired")
	}
	if res.SessionsExpired != 1 {
		t.Errorf("expected 1 session expired, got %d", res.SessionsExpired)
	}
	if len(fs.expired) != 1 || fs.expired[0] != "sess-2" {
		t.Errorf("expected ExpireSession to be called for sess-2, got %v", fs.expired)
	}
	if _, err := os.Stat(filepath.Join(root, "sess-2")); !os.IsNotExist(err) {
		t.Error("expected session dir to be removed after expiry")
	}
}

func TestTier3_SweepsOrphanDirectories(t *testing.T) {
	root := t.TempDir()
	mkSessionTree(t, root, "ghost-1", 1)

	old := time.Now().Add(-49 * time.Hour)
	if err := os.Chtimes(filepath.Join(root, "ghost-1"), old, old); err != nil {
		t.Fatal(err)
	}

	fs := &fakeStore{activeIDs: map[string]bool{}}
	e := NewEngine(fs, root, testLogger())

	res := e.Tier3(context.Background(), time.Now())

	if res.OrphansCleaned != 1 {
		t.Errorf("expected 1 orphan cleaned, got %d", res.OrphansCleaned)
	}
	if _, err := os.Stat(filepath.Join(root, "ghost-1")); !os.IsNotExist(err) {
		t.Error("expected orphan directory to be removed")
	}
}

func TestTier3_KeepsRecentOrphanUntilRetentionElapses(t *testing.T) {
	root := t.TempDir()
	mkSessionTree(t, root, "recent-1", 1)

	fs := &fakeStore{activeIDs: map[string]bool{}}
	e := NewEngine(fs, root, testLogger())

	res := e.Tier3(context.Background(), time.Now())

	if res.OrphansCleaned != 0 {
		t.Errorf("expected 0 orphans cleaned for a fresh directory, got %d", res.OrphansCleaned)
	}
	if _, err := os.Stat(filepath.Join(root, "recent-1")); err != nil {
		t.Error("expected recent directory to survive the sweep")
	}
}

func TestTier3_SweepsResidualAssemblingFiles(t *testing.T) {
	root := t.TempDir()
	mkSessionTree(t, root, "sess-3", 0)
	staleFile := filepath.Join(root, "sess-3", "assembly", "deadbeef.assembling")
	if err := os.WriteFile(staleFile, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-3 * time.Hour)
	if err := os.Chtimes(staleFile, old, old); err != nil {
		t.Fatal(err)
	}

	fs := &fakeStore{activeIDs: map[string]bool{"sess-3": true}}
	e := NewEngine(fs, root, testLogger())

	res := e.Tier3(context.Background(), time.Now())

	if res.AssemblingCleaned != 1 {
		t.Errorf("expected 1 residual assembling file cleaned, got %d", res.AssemblingCleaned)
	}
	if _, err := os.Stat(staleFile); !os.IsNotExist(err) {
		t.Error("expected stale assembling file to be removed")
	}
}

func TestTier3_IsIdempotent(t *testing.T) {
	root := t.TempDir()
	mkSessionTree(t, root, "ghost-2", 1)
	old := time.Now().Add(-49 * time.Hour)
	if err := os.Chtimes(filepath.Join(root, "ghost-2"), old, old); err != nil {
		t.Fatal(err)
	}

	fs := &fakeStore{activeIDs: map[string]bool{}}
	e := NewEngine(fs, root, testLogger())

	first := e.Tier3(context.Background(), time.Now())
	second := e.Tier3(context.Background(), time.Now())

	if first.OrphansCleaned != 1 {
		t.Fatalf("expected first sweep to clean 1 orphan, got %d", first.OrphansCleaned)
	}
	if second.OrphansCleaned != 0 || len(second.Errors) != 0 {
		t.Errorf("expected second sweep to be a no-op, got cleaned=%d errors=%v", second.OrphansCleaned, second.Errors)
	}
}
