// Package tool implements the Tool Orchestrator (C4): a registry of callable
// tools plus the three-phase dispatch (pre-hooks, permission + concurrency
// gated execution, post-hooks) that the execution loop drives one tool call
// at a time, though a batch of calls may be scheduled concurrently according
// to each tool's concurrency class.
package tool

import (
	"context"
	"time"

	"github.com/sagerun/sage/internal/llm"
	"github.com/sagerun/sage/pkg/models"
)

// ConcurrencyMode controls how the executor schedules calls to a tool
// relative to other concurrently dispatched calls.
type ConcurrencyMode int

const (
	// Parallel executes against the global semaphore only.
	Parallel ConcurrencyMode = iota
	// Limited additionally gates on a per-tool-name semaphore of capacity N.
	Limited
	// ExclusiveByType additionally gates on a per-tool-name semaphore of
	// capacity 1 — at most one in-flight call per tool name.
	ExclusiveByType
	// Sequential takes a global exclusive lock; no other tool call of any
	// name runs while a Sequential call is in flight.
	Sequential
)

// Tool is a single callable capability, registered under Name() and
// advertised to the LLM via Schema(). Implementations are supplied by the
// embedder; this package never ships concrete tool implementations.
type Tool interface {
	// Name is the canonical, unique tool name.
	Name() string

	// Description is shown to the LLM alongside Schema.
	Description() string

	// Schema is the JSON-schema for the tool's arguments.
	Schema() map[string]any

	// Execute runs the tool. ctx is cancelled cooperatively on interrupt or
	// on MaxExecutionDuration elapsing.
	Execute(ctx context.Context, call models.ToolCall) (models.ToolResult, error)

	// ConcurrencyMode reports how calls to this tool are scheduled.
	ConcurrencyMode() ConcurrencyMode

	// ConcurrencyLimit is consulted only when ConcurrencyMode is Limited; it
	// is the size of the per-tool-name semaphore.
	ConcurrencyLimit() int

	// IsReadOnly reports whether the tool can modify files; read-only tools
	// are never checkpointed.
	IsReadOnly() bool

	// MaxExecutionDuration bounds a single call; zero means no extra bound
	// beyond the ambient context deadline.
	MaxExecutionDuration() time.Duration

	// CheckPermission lets a tool apply its own authorization logic in
	// addition to the orchestrator's rule-based resolution. Implementations
	// with no opinion should return PermissionPassthrough.
	CheckPermission(ctx context.Context, call models.ToolCall) models.PermissionResult
}

// Schema returns the llm.ToolSchema the LLM Orchestrator advertises for t.
func Schema(t Tool) llm.ToolSchema {
	return llm.ToolSchema{Name: t.Name(), Description: t.Description(), Schema: t.Schema()}
}

// AskUserQuestionTool is the special-cased tool name the executor intercepts
// rather than dispatching to a registered Tool.
const AskUserQuestionTool = "ask_user_question"

// TaskDoneTool is the sentinel tool name the execution loop treats as the
// terminal signal for a run (handled entirely in C7, never dispatched here).
const TaskDoneTool = "task_done"
