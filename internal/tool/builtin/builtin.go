// Package builtin supplies the concrete, embedder-owned tool implementations
// the core's spec explicitly keeps out of scope ("the core sees only a
// uniform tool contract"): shell, file read/write/edit, and text search. They
// exist so cmd/sage has something to register against internal/tool.Registry
// — the core package itself never ships tool business logic.
package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sagerun/sage/internal/tool"
	"github.com/sagerun/sage/pkg/models"
)

// affectedFilesArgs mirrors the {file_path|path|edits[].file_path} shape
// spec §4.4's affected-files extraction rule names, reused via
// tool.ExtractAffectedFiles by the executor — these tools only need to
// supply those same argument keys.
type affectedFilesArgs struct {
	FilePath string `json:"file_path"`
	Path     string `json:"path"`
}

// BashTool runs a shell command via the host shell, capturing combined
// stdout/stderr.
type BashTool struct {
	WorkDir string
	Timeout time.Duration
}

func (t *BashTool) Name() string        { return "bash" }
func (t *BashTool) Description() string { return "Run a shell command and return its combined output." }
func (t *BashTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "The shell command to run"},
		},
		"required": []string{"command"},
	}
}
func (t *BashTool) ConcurrencyMode() tool.ConcurrencyMode { return tool.Sequential }
func (t *BashTool) ConcurrencyLimit() int                 { return 1 }
func (t *BashTool) IsReadOnly() bool                      { return false }
func (t *BashTool) MaxExecutionDuration() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return 2 * time.Minute
}
func (t *BashTool) CheckPermission(ctx context.Context, call models.ToolCall) models.PermissionResult {
	return models.PermissionResult{Behavior: models.PermissionPassthrough}
}

func (t *BashTool) Execute(ctx context.Context, call models.ToolCall) (models.ToolResult, error) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("bash: invalid arguments: %v", err)}, nil
	}
	if strings.TrimSpace(args.Command) == "" {
		return models.ToolResult{Success: false, Error: "bash: command is required"}, nil
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", args.Command)
	cmd.Dir = t.WorkDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	result := models.ToolResult{Output: out.String(), ExecutionMs: elapsed}
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			result.ExitCode = &code
		}
		return result, nil
	}
	zero := 0
	result.Success = true
	result.ExitCode = &zero
	return result, nil
}

// ReadFileTool reads a file's contents.
type ReadFileTool struct{}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file." }
func (t *ReadFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{"type": "string", "description": "Path to the file to read"},
		},
		"required": []string{"file_path"},
	}
}
func (t *ReadFileTool) ConcurrencyMode() tool.ConcurrencyMode { return tool.Parallel }
func (t *ReadFileTool) ConcurrencyLimit() int                 { return 0 }
func (t *ReadFileTool) IsReadOnly() bool                      { return true }
func (t *ReadFileTool) MaxExecutionDuration() time.Duration   { return 10 * time.Second }
func (t *ReadFileTool) CheckPermission(ctx context.Context, call models.ToolCall) models.PermissionResult {
	return models.PermissionResult{Behavior: models.PermissionPassthrough}
}
func (t *ReadFileTool) Execute(ctx context.Context, call models.ToolCall) (models.ToolResult, error) {
	var args affectedFilesArgs
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("read_file: invalid arguments: %v", err)}, nil
	}
	path := firstNonEmpty(args.FilePath, args.Path)
	if path == "" {
		return models.ToolResult{Success: false, Error: "read_file: file_path is required"}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}, nil
	}
	return models.ToolResult{Success: true, Output: string(content)}, nil
}

// WriteFileTool overwrites (or creates) a file with given content.
type WriteFileTool struct{}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file, creating it or its parent directories if needed." }
func (t *WriteFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{"type": "string", "description": "Path to the file to write"},
			"content":   map[string]any{"type": "string", "description": "Content to write"},
		},
		"required": []string{"file_path", "content"},
	}
}
func (t *WriteFileTool) ConcurrencyMode() tool.ConcurrencyMode { return tool.ExclusiveByType }
func (t *WriteFileTool) ConcurrencyLimit() int                 { return 1 }
func (t *WriteFileTool) IsReadOnly() bool                      { return false }
func (t *WriteFileTool) MaxExecutionDuration() time.Duration   { return 10 * time.Second }
func (t *WriteFileTool) CheckPermission(ctx context.Context, call models.ToolCall) models.PermissionResult {
	return models.PermissionResult{Behavior: models.PermissionPassthrough}
}
func (t *WriteFileTool) Execute(ctx context.Context, call models.ToolCall) (models.ToolResult, error) {
	var args struct {
		FilePath string `json:"file_path"`
		Path     string `json:"path"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("write_file: invalid arguments: %v", err)}, nil
	}
	path := firstNonEmpty(args.FilePath, args.Path)
	if path == "" {
		return models.ToolResult{Success: false, Error: "write_file: file_path is required"}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return models.ToolResult{Success: false, Error: err.Error()}, nil
		}
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}, nil
	}
	return models.ToolResult{Success: true, Output: fmt.Sprintf("wrote %d bytes to %s", len(args.Content), path)}, nil
}

// EditFileTool replaces the first occurrence of old_text with new_text.
type EditFileTool struct{}

func (t *EditFileTool) Name() string        { return "edit_file" }
func (t *EditFileTool) Description() string { return "Replace an exact text match in a file with new text." }
func (t *EditFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{"type": "string", "description": "Path to the file to edit"},
			"old_text":  map[string]any{"type": "string", "description": "Exact text to replace"},
			"new_text":  map[string]any{"type": "string", "description": "Replacement text"},
		},
		"required": []string{"file_path", "old_text", "new_text"},
	}
}
func (t *EditFileTool) ConcurrencyMode() tool.ConcurrencyMode { return tool.ExclusiveByType }
func (t *EditFileTool) ConcurrencyLimit() int                 { return 1 }
func (t *EditFileTool) IsReadOnly() bool                      { return false }
func (t *EditFileTool) MaxExecutionDuration() time.Duration   { return 10 * time.Second }
func (t *EditFileTool) CheckPermission(ctx context.Context, call models.ToolCall) models.PermissionResult {
	return models.PermissionResult{Behavior: models.PermissionPassthrough}
}
func (t *EditFileTool) Execute(ctx context.Context, call models.ToolCall) (models.ToolResult, error) {
	var args struct {
		FilePath string `json:"file_path"`
		Path     string `json:"path"`
		OldText  string `json:"old_text"`
		NewText  string `json:"new_text"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("edit_file: invalid arguments: %v", err)}, nil
	}
	path := firstNonEmpty(args.FilePath, args.Path)
	if path == "" {
		return models.ToolResult{Success: false, Error: "edit_file: file_path is required"}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}, nil
	}
	if !strings.Contains(string(content), args.OldText) {
		return models.ToolResult{Success: false, Error: "edit_file: old_text not found in file"}, nil
	}
	updated := strings.Replace(string(content), args.OldText, args.NewText, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}, nil
	}
	return models.ToolResult{Success: true, Output: fmt.Sprintf("edited %s", path)}, nil
}

// GrepTool searches files under a root for a pattern, preferring ripgrep and
// falling back to grep when rg isn't on PATH.
type GrepTool struct{}

func (t *GrepTool) Name() string        { return "grep" }
func (t *GrepTool) Description() string { return "Search files for a pattern using ripgrep (falls back to grep)." }
func (t *GrepTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Regex pattern to search for"},
			"path":    map[string]any{"type": "string", "description": "Directory or file to search (default: .)"},
		},
		"required": []string{"pattern"},
	}
}
func (t *GrepTool) ConcurrencyMode() tool.ConcurrencyMode { return tool.Parallel }
func (t *GrepTool) ConcurrencyLimit() int                 { return 0 }
func (t *GrepTool) IsReadOnly() bool                      { return true }
func (t *GrepTool) MaxExecutionDuration() time.Duration   { return 30 * time.Second }
func (t *GrepTool) CheckPermission(ctx context.Context, call models.ToolCall) models.PermissionResult {
	return models.PermissionResult{Behavior: models.PermissionPassthrough}
}
func (t *GrepTool) Execute(ctx context.Context, call models.ToolCall) (models.ToolResult, error) {
	var args struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("grep: invalid arguments: %v", err)}, nil
	}
	if args.Pattern == "" {
		return models.ToolResult{Success: false, Error: "grep: pattern is required"}, nil
	}
	root := args.Path
	if root == "" {
		root = "."
	}

	cmd := exec.CommandContext(ctx, "rg", "-n", "--no-heading", "--color=never", args.Pattern, root)
	out, err := cmd.CombinedOutput()
	result := strings.TrimSpace(string(out))
	if err != nil && result == "" {
		cmd = exec.CommandContext(ctx, "grep", "-rn", args.Pattern, root)
		out, err = cmd.CombinedOutput()
		result = strings.TrimSpace(string(out))
	}
	if result == "" {
		return models.ToolResult{Success: true, Output: "no matches"}, nil
	}
	return models.ToolResult{Success: true, Output: result}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// RegisterAll registers the full builtin tool set on reg, rooted at workDir
// for bash's working directory.
func RegisterAll(reg *tool.Registry, workDir string) error {
	tools := []tool.Tool{
		&BashTool{WorkDir: workDir},
		&ReadFileTool{},
		&WriteFileTool{},
		&EditFileTool{},
		&GrepTool{},
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
