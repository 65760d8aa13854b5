// Package checkpoint implements the Checkpoint Manager (C8): it captures the
// on-disk state of files a tool is about to touch (or the whole project, for
// full/session-start checkpoints), stores them keyed by session, and can
// restore or preview-restore from any stored checkpoint.
//
// Grounded on original_source/crates/sage-core/src/checkpoints/{manager/
// operations.rs,restore.rs}: create_checkpoint/create_full_checkpoint/
// create_incremental_checkpoint/create_pre_tool_checkpoint/
// create_session_start_checkpoint mirror operations.rs; restore/
// preview_restore mirror restore.rs's restore_file/preview_file_restore,
// translated from tokio::fs to os-package blocking I/O (no other package in
// this tree uses an async I/O runtime).
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sagerun/sage/pkg/models"
)

// Config tunes a Manager.
type Config struct {
	// ProjectRoot is the directory full/incremental checkpoints scan.
	ProjectRoot string

	// MaxCheckpoints bounds how many checkpoints are retained per session;
	// cleanupOldCheckpoints trims the oldest once this is exceeded. 0 means
	// unlimited.
	MaxCheckpoints int
}

// Manager is the Checkpoint Manager (C8), scoped to one session.
type Manager struct {
	cfg       Config
	sessionID string
	storePath string

	mu         sync.Mutex
	checkpoints []models.Checkpoint
	lastState   map[string]models.FileSnapshot // path -> last captured state, for incremental diffing
}

// NewManager constructs a Manager whose checkpoints persist to
// <storeDir>/<sessionID>.json, loading any that already exist there (e.g.
// on session resume).
func NewManager(cfg Config, storeDir, sessionID string) (*Manager, error) {
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create store dir: %w", err)
	}
	m := &Manager{
		cfg:       cfg,
		sessionID: sessionID,
		storePath: filepath.Join(storeDir, sessionID+".json"),
		lastState: make(map[string]models.FileSnapshot),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.storePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checkpoint: read store: %w", err)
	}
	var checkpoints []models.Checkpoint
	if err := json.Unmarshal(data, &checkpoints); err != nil {
		return fmt.Errorf("checkpoint: parse store: %w", err)
	}
	m.checkpoints = checkpoints
	if len(checkpoints) > 0 {
		latest := checkpoints[len(checkpoints)-1]
		for _, f := range latest.Files {
			m.lastState[f.Path] = f
		}
	}
	return nil
}

func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.checkpoints, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.storePath, data, 0o644)
}

// captureFiles reads the current on-disk state of each path into a
// FileSnapshot, treating a missing file as FileDeleted.
func captureFiles(paths []string) []models.FileSnapshot {
	snapshots := make([]models.FileSnapshot, 0, len(paths))
	for _, p := range paths {
		snapshots = append(snapshots, captureFile(p))
	}
	return snapshots
}

func captureFile(path string) models.FileSnapshot {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return models.FileSnapshot{Path: path, State: models.FileDeleted}
	}
	if err != nil || info.IsDir() {
		return models.FileSnapshot{Path: path, State: models.FileDeleted}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return models.FileSnapshot{Path: path, State: models.FileExists, Perms: uint32(info.Mode().Perm())}
	}
	return models.FileSnapshot{
		Path:    path,
		State:   models.FileExists,
		Content: string(content),
		Perms:   uint32(info.Mode().Perm()),
	}
}

// scanDirectory walks cfg.ProjectRoot and captures every regular file,
// skipping VCS and common build-artifact directories.
func (m *Manager) scanDirectory() ([]models.FileSnapshot, error) {
	var out []models.FileSnapshot
	skipDirs := map[string]bool{".git": true, "node_modules": true, "vendor": true, ".cache": true}

	err := filepath.WalkDir(m.cfg.ProjectRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		out = append(out, captureFile(path))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: scan directory: %w", err)
	}
	return out, nil
}

func newCheckpointID() (id, short string) {
	id = uuid.NewString()
	sum := sha256.Sum256([]byte(id))
	return id, hex.EncodeToString(sum[:])[:8]
}

func newCheckpoint(description string, kind models.CheckpointType, files []models.FileSnapshot) models.Checkpoint {
	id, short := newCheckpointID()
	return models.Checkpoint{
		ID:          id,
		ShortID:     short,
		Type:        kind,
		Description: description,
		Timestamp:   time.Now().UTC(),
		Files:       files,
	}
}

func (m *Manager) record(cp models.Checkpoint) error {
	m.checkpoints = append(m.checkpoints, cp)
	for _, f := range cp.Files {
		m.lastState[f.Path] = f
	}
	if err := m.save(); err != nil {
		return err
	}
	return m.cleanupOldCheckpoints()
}

// CreateCheckpoint snapshots exactly the given files.
func (m *Manager) CreateCheckpoint(ctx context.Context, description string, kind models.CheckpointType, files []string) (models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := newCheckpoint(description, kind, captureFiles(files))
	if err := m.record(cp); err != nil {
		return models.Checkpoint{}, err
	}
	return cp, nil
}

// CreateFullCheckpoint snapshots every file under ProjectRoot.
func (m *Manager) CreateFullCheckpoint(ctx context.Context, description string, kind models.CheckpointType) (models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	files, err := m.scanDirectory()
	if err != nil {
		return models.Checkpoint{}, err
	}
	cp := newCheckpoint(description, kind, files)
	if err := m.record(cp); err != nil {
		return models.Checkpoint{}, err
	}
	return cp, nil
}

// CreateIncrementalCheckpoint snapshots only the files that changed since
// the last recorded checkpoint. If nothing changed and a checkpoint already
// exists, it returns the most recent one unchanged rather than recording a
// duplicate.
func (m *Manager) CreateIncrementalCheckpoint(ctx context.Context, description string, kind models.CheckpointType) (models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.scanDirectory()
	if err != nil {
		return models.Checkpoint{}, err
	}

	changed := diffSnapshots(m.lastState, current)
	if len(changed) == 0 && len(m.checkpoints) > 0 {
		return m.checkpoints[len(m.checkpoints)-1], nil
	}

	cp := newCheckpoint(description, kind, changed)
	// Refresh lastState against the full current scan, not just the diff,
	// so the next incremental pass compares against complete state.
	for _, f := range current {
		m.lastState[f.Path] = f
	}
	m.checkpoints = append(m.checkpoints, cp)
	if err := m.save(); err != nil {
		return models.Checkpoint{}, err
	}
	if err := m.cleanupOldCheckpoints(); err != nil {
		return models.Checkpoint{}, err
	}
	return cp, nil
}

// diffSnapshots returns the entries in current whose content/state differs
// from last (or that are new).
func diffSnapshots(last map[string]models.FileSnapshot, current []models.FileSnapshot) []models.FileSnapshot {
	var changed []models.FileSnapshot
	for _, f := range current {
		prior, ok := last[f.Path]
		if !ok || prior.State != f.State || prior.Content != f.Content {
			changed = append(changed, f)
		}
	}
	return changed
}

// CreatePreToolCheckpoint snapshots the files a tool call is about to
// affect, tagged CheckpointPreTool. Satisfies the internal/tool.Checkpointer
// seam's Snapshot signature via the Snapshot method below.
func (m *Manager) CreatePreToolCheckpoint(ctx context.Context, toolName string, affectedFiles []string) (models.Checkpoint, error) {
	return m.CreateCheckpoint(ctx, "Pre-"+toolName, models.CheckpointPreTool, affectedFiles)
}

// CreateSessionStartCheckpoint snapshots the whole project at session start.
func (m *Manager) CreateSessionStartCheckpoint(ctx context.Context) (models.Checkpoint, error) {
	desc := "Session start: " + shortSessionID(m.sessionID)
	return m.CreateFullCheckpoint(ctx, desc, models.CheckpointSessionStart)
}

func shortSessionID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Snapshot implements the internal/tool.Checkpointer seam: a pre/post-tool
// call with a description and the files it may touch. The call is
// intentionally structural (not importing internal/tool) to avoid a
// dependency cycle — internal/tool only needs something with this method
// set, and *Manager has it.
func (m *Manager) Snapshot(ctx context.Context, description string, paths []string) error {
	_, err := m.CreateCheckpoint(ctx, description, models.CheckpointPreTool, paths)
	return err
}

// cleanupOldCheckpoints trims the oldest checkpoints once MaxCheckpoints is
// exceeded. Caller must hold m.mu.
func (m *Manager) cleanupOldCheckpoints() error {
	if m.cfg.MaxCheckpoints <= 0 || len(m.checkpoints) <= m.cfg.MaxCheckpoints {
		return nil
	}
	sort.Slice(m.checkpoints, func(i, j int) bool {
		return m.checkpoints[i].Timestamp.Before(m.checkpoints[j].Timestamp)
	})
	excess := len(m.checkpoints) - m.cfg.MaxCheckpoints
	m.checkpoints = m.checkpoints[excess:]
	return m.save()
}

// List returns every stored checkpoint, oldest first.
func (m *Manager) List() []models.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Checkpoint, len(m.checkpoints))
	copy(out, m.checkpoints)
	return out
}

// Get finds a checkpoint by ID or short ID.
func (m *Manager) Get(id string) (models.Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.checkpoints {
		if cp.ID == id || cp.ShortID == id {
			return cp, true
		}
	}
	return models.Checkpoint{}, false
}

// Latest returns the most recently recorded checkpoint, if any.
func (m *Manager) Latest() (models.Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.checkpoints) == 0 {
		return models.Checkpoint{}, false
	}
	return m.checkpoints[len(m.checkpoints)-1], true
}
