package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sagerun/sage/pkg/models"
)

func newTestManager(t *testing.T, projectRoot string) *Manager {
	t.Helper()
	storeDir := filepath.Join(t.TempDir(), "checkpoints")
	m, err := NewManager(Config{ProjectRoot: projectRoot}, storeDir, "sess-1")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestManager_CreateCheckpoint_CapturesExistingFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(file, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}

	m := newTestManager(t, dir)
	cp, err := m.CreateCheckpoint(context.Background(), "before edit", models.CheckpointManual, []string{file})
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if len(cp.Files) != 1 || cp.Files[0].State != models.FileExists || cp.Files[0].Content != "hello" {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
	if cp.ShortID == "" {
		t.Fatal("expected a short id")
	}
}

func TestManager_CreateCheckpoint_MissingFileIsDeletedState(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	missing := filepath.Join(dir, "nope.txt")

	cp, err := m.CreateCheckpoint(context.Background(), "pre", models.CheckpointPreTool, []string{missing})
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if cp.Files[0].State != models.FileDeleted {
		t.Fatalf("expected FileDeleted for a nonexistent file, got %v", cp.Files[0].State)
	}
}

func TestManager_Restore_RevertsModifiedFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	_ = os.WriteFile(file, []byte("original"), 0o644)

	m := newTestManager(t, dir)
	cp, err := m.CreateCheckpoint(context.Background(), "pre-edit", models.CheckpointPreTool, []string{file})
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	// Simulate a tool editing the file.
	if err := os.WriteFile(file, []byte("edited"), 0o644); err != nil {
		t.Fatalf("simulate edit: %v", err)
	}

	if err := m.Restore(cp.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	content, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(content) != "original" {
		t.Fatalf("expected restored content %q, got %q", "original", string(content))
	}
}

func TestManager_Restore_RecreatesDeletedFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	_ = os.WriteFile(file, []byte("original"), 0o644)

	m := newTestManager(t, dir)
	cp, err := m.CreateCheckpoint(context.Background(), "pre-delete", models.CheckpointPreTool, []string{file})
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	if err := os.Remove(file); err != nil {
		t.Fatalf("simulate delete: %v", err)
	}

	if err := m.Restore(cp.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	content, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("expected the file to be recreated: %v", err)
	}
	if string(content) != "original" {
		t.Fatalf("expected recreated content %q, got %q", "original", string(content))
	}
}

func TestManager_Restore_DeletesCreatedFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "new.txt")

	m := newTestManager(t, dir)
	// Checkpoint taken while the file doesn't exist yet.
	cp, err := m.CreateCheckpoint(context.Background(), "pre-create", models.CheckpointPreTool, []string{file})
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if cp.Files[0].State != models.FileDeleted {
		t.Fatalf("expected FileDeleted as the baseline state, got %v", cp.Files[0].State)
	}

	// Tool creates the file.
	if err := os.WriteFile(file, []byte("new content"), 0o644); err != nil {
		t.Fatalf("simulate create: %v", err)
	}

	if err := m.Restore(cp.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Fatal("expected the created file to be removed on restore")
	}
}

func TestManager_PreviewRestore_MatchesExpectedKinds(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "exists.txt")
	_ = os.WriteFile(existing, []byte("x"), 0o644)
	missing := filepath.Join(dir, "missing.txt")

	m := newTestManager(t, dir)
	cp, err := m.CreateCheckpoint(context.Background(), "pre", models.CheckpointManual, []string{existing, missing})
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	// Now mutate on-disk state: delete the existing file, create the
	// missing one, so preview reflects divergence from the checkpoint.
	_ = os.Remove(existing)
	_ = os.WriteFile(missing, []byte("y"), 0o644)

	previews, err := m.PreviewRestore(cp.ID)
	if err != nil {
		t.Fatalf("PreviewRestore: %v", err)
	}
	if previews[0].Kind != PreviewWillCreate {
		t.Fatalf("expected WillCreate for the now-missing exists.txt, got %v", previews[0].Kind)
	}
	if previews[1].Kind != PreviewWillDelete {
		t.Fatalf("expected WillDelete for the now-present missing.txt, got %v", previews[1].Kind)
	}
}

func TestManager_CreateIncrementalCheckpoint_OnlyChangedFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	_ = os.WriteFile(a, []byte("a1"), 0o644)
	_ = os.WriteFile(b, []byte("b1"), 0o644)

	m := newTestManager(t, dir)
	if _, err := m.CreateFullCheckpoint(context.Background(), "initial", models.CheckpointSessionStart); err != nil {
		t.Fatalf("CreateFullCheckpoint: %v", err)
	}

	_ = os.WriteFile(a, []byte("a2"), 0o644)

	cp, err := m.CreateIncrementalCheckpoint(context.Background(), "incremental", models.CheckpointAuto)
	if err != nil {
		t.Fatalf("CreateIncrementalCheckpoint: %v", err)
	}
	if len(cp.Files) != 1 || cp.Files[0].Path != a {
		t.Fatalf("expected only a.txt in the incremental checkpoint, got %+v", cp.Files)
	}
}

func TestManager_CleanupOldCheckpoints_RespectsMax(t *testing.T) {
	dir := t.TempDir()
	storeDir := filepath.Join(t.TempDir(), "checkpoints")
	m, err := NewManager(Config{ProjectRoot: dir, MaxCheckpoints: 2}, storeDir, "sess-1")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := m.CreateCheckpoint(context.Background(), "cp", models.CheckpointManual, nil); err != nil {
			t.Fatalf("CreateCheckpoint: %v", err)
		}
	}
	if len(m.List()) != 2 {
		t.Fatalf("expected cleanup to cap checkpoints at 2, got %d", len(m.List()))
	}
}

func TestManager_Snapshot_SatisfiesCheckpointerSeam(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	_ = os.WriteFile(file, []byte("x"), 0o644)

	m := newTestManager(t, dir)
	if err := m.Snapshot(context.Background(), "Pre-write", []string{file}); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(m.List()) != 1 {
		t.Fatal("expected Snapshot to record one checkpoint")
	}
}

func TestManager_ReloadsExistingCheckpointsOnRestart(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	_ = os.WriteFile(file, []byte("x"), 0o644)
	storeDir := filepath.Join(t.TempDir(), "checkpoints")

	m1, err := NewManager(Config{ProjectRoot: dir}, storeDir, "sess-1")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := m1.CreateCheckpoint(context.Background(), "cp", models.CheckpointManual, []string{file}); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	m2, err := NewManager(Config{ProjectRoot: dir}, storeDir, "sess-1")
	if err != nil {
		t.Fatalf("NewManager (reload): %v", err)
	}
	if len(m2.List()) != 1 {
		t.Fatalf("expected the reloaded manager to see 1 persisted checkpoint, got %d", len(m2.List()))
	}
}
