package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sagerun/sage/pkg/models"
)

// RestorePreviewKind tags what restoring one file from a checkpoint would
// do, mirroring original_source's RestorePreview enum.
type RestorePreviewKind string

const (
	PreviewWillCreate    RestorePreviewKind = "will_create"
	PreviewWillOverwrite RestorePreviewKind = "will_overwrite"
	PreviewWillRevert    RestorePreviewKind = "will_revert"
	PreviewWillDelete    RestorePreviewKind = "will_delete"
	PreviewNoChange      RestorePreviewKind = "no_change"
)

// RestorePreview describes the effect restoring one file would have,
// without performing it.
type RestorePreview struct {
	Path string
	Kind RestorePreviewKind
}

// PreviewRestore reports, for every file in the checkpoint, what Restore
// would do without touching the filesystem.
func (m *Manager) PreviewRestore(id string) ([]RestorePreview, error) {
	cp, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("checkpoint: %q not found", id)
	}
	previews := make([]RestorePreview, len(cp.Files))
	for i, f := range cp.Files {
		previews[i] = previewFileRestore(f)
	}
	return previews, nil
}

func previewFileRestore(snapshot models.FileSnapshot) RestorePreview {
	_, err := os.Stat(snapshot.Path)
	exists := err == nil

	switch snapshot.State {
	case models.FileExists, models.FileCreated:
		if exists {
			return RestorePreview{Path: snapshot.Path, Kind: PreviewWillOverwrite}
		}
		return RestorePreview{Path: snapshot.Path, Kind: PreviewWillCreate}
	case models.FileModified:
		return RestorePreview{Path: snapshot.Path, Kind: PreviewWillRevert}
	case models.FileDeleted:
		if exists {
			return RestorePreview{Path: snapshot.Path, Kind: PreviewWillDelete}
		}
		return RestorePreview{Path: snapshot.Path, Kind: PreviewNoChange}
	default:
		return RestorePreview{Path: snapshot.Path, Kind: PreviewNoChange}
	}
}

// Restore writes every file in the checkpoint identified by id back to its
// recorded state: Exists/Created write Content, Modified writes
// OriginalContent (reverting a later edit), Deleted removes the file if it
// still exists.
func (m *Manager) Restore(id string) error {
	cp, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("checkpoint: %q not found", id)
	}
	for _, f := range cp.Files {
		if err := restoreFile(f); err != nil {
			return fmt.Errorf("checkpoint: restore %s: %w", f.Path, err)
		}
	}
	return nil
}

func restoreFile(snapshot models.FileSnapshot) error {
	switch snapshot.State {
	case models.FileExists, models.FileCreated:
		return writeFile(snapshot.Path, snapshot.Content, snapshot.Perms)
	case models.FileModified:
		return writeFile(snapshot.Path, snapshot.OriginalContent, snapshot.Perms)
	case models.FileDeleted:
		if _, err := os.Stat(snapshot.Path); err == nil {
			return os.Remove(snapshot.Path)
		}
		return nil
	default:
		return nil
	}
}

func writeFile(path, content string, perms uint32) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	mode := os.FileMode(0o644)
	if perms != 0 {
		mode = os.FileMode(perms)
	}
	return os.WriteFile(path, []byte(content), mode)
}
