package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sagerun/sage/pkg/models"
)

// SessionJournal adapts a FileJournal, scoped to one session ID and a
// working directory, to the ctx-bearing shape the Tool Orchestrator's
// Journal seam (internal/tool.Journal) expects. It is intentionally
// structural rather than importing internal/tool, so this package has no
// dependency on the tool package.
type SessionJournal struct {
	store     *FileJournal
	sessionID string
	cwd       string
}

// NewSessionJournal scopes a FileJournal to a single session for the
// duration of an execution loop run.
func NewSessionJournal(store *FileJournal, sessionID, cwd string) *SessionJournal {
	return &SessionJournal{store: store, sessionID: sessionID, cwd: cwd}
}

// RecordToolCall appends the tool call as a tool-role LlmMessage.
func (s *SessionJournal) RecordToolCall(ctx context.Context, call models.ToolCall) error {
	content, _ := json.Marshal(call.Input)
	_, err := s.store.AppendMessage(s.sessionID, s.cwd, models.LlmMessage{
		Role:       models.RoleAssistant,
		Content:    string(content),
		ToolCalls:  []models.ToolCall{call},
		ToolCallID: call.ID,
	})
	return err
}

// RecordToolResult appends the tool's result as a tool-role LlmMessage.
func (s *SessionJournal) RecordToolResult(ctx context.Context, result models.ToolResult) error {
	content := result.Output
	if !result.Success {
		content = result.Error
	}
	_, err := s.store.AppendMessage(s.sessionID, s.cwd, models.LlmMessage{
		Role:       models.RoleTool,
		Content:    content,
		Name:       result.ToolName,
		ToolCallID: result.ToolCallID,
	})
	return err
}

// RecordSnapshot appends a FileSnapshot record for the given paths, tied to
// the most recently appended message in this session.
func (s *SessionJournal) RecordSnapshot(ctx context.Context, paths []string) error {
	files := make([]models.FileSnapshot, 0, len(paths))
	for _, p := range paths {
		files = append(files, fileSnapshotFor(p))
	}
	tracker := s.store.tracker(s.sessionID)
	last := tracker.Last()
	if last == "" {
		return fmt.Errorf("session: no prior message to anchor snapshot to")
	}
	return s.store.AppendSnapshot(s.sessionID, last, files)
}

func fileSnapshotFor(path string) models.FileSnapshot {
	info, err := os.Stat(path)
	if err != nil {
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
