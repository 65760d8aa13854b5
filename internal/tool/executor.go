package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sagerun/sage/internal/infra"
	"github.com/sagerun/sage/pkg/models"
)

// Checkpointer is the seam into the Checkpoint Manager (C8). The executor
// calls Snapshot before and after a call that may modify files; concrete
// checkpointing lives in a separate package so this one doesn't need to know
// how checkpoints are stored.
type Checkpointer interface {
	Snapshot(ctx context.Context, description string, paths []string) error
}

// Journal is the seam into the Session Journal (C5). The executor records
// the call and its result so the journal can append them in order.
type Journal interface {
	RecordToolCall(ctx context.Context, call models.ToolCall) error
	RecordToolResult(ctx context.Context, result models.ToolResult) error
	RecordSnapshot(ctx context.Context, paths []string) error
}

// InputChannel is the seam the ask_user_question special case and Ask
// permission results use to surface a blocking request to the operator.
type InputChannel interface {
	Request(ctx context.Context, req models.InputRequest) (models.InputResponse, error)
}

// ExecutorConfig tunes concurrency limits. MaxConcurrent is the global
// semaphore capacity shared by every Parallel/Limited/ExclusiveByType call.
type ExecutorConfig struct {
	MaxConcurrent int
}

// DefaultExecutorConfig matches the spec's documented default.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{MaxConcurrent: 8}
}

// Executor dispatches tool calls through the three-phase pipeline: pre-hooks
// + pre-snapshot, permission + concurrency gated execution, post-hooks +
// journal + post-snapshot.
type Executor struct {
	registry   *Registry
	perm       *PermissionChecker
	hooks      *HookChain
	checkpoint Checkpointer
	journal    Journal
	input      InputChannel

	global     *infra.Semaphore
	seqMu      sync.Mutex
	perToolMu  sync.Mutex
	perTool    map[string]*infra.Semaphore
}

// NewExecutor wires the executor. checkpoint, journal, and input may be nil
// in tests that don't exercise those paths.
func NewExecutor(registry *Registry, perm *PermissionChecker, hooks *HookChain, checkpoint Checkpointer, journal Journal, input InputChannel, cfg ExecutorConfig) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultExecutorConfig().MaxConcurrent
	}
	return &Executor{
		registry:   registry,
		perm:       perm,
		hooks:      hooks,
		checkpoint: checkpoint,
		journal:    journal,
		input:      input,
		global:     infra.NewSemaphore(int64(cfg.MaxConcurrent)),
		perTool:    make(map[string]*infra.Semaphore),
	}
}

func (e *Executor) toolSemaphore(name string, limit int) *infra.Semaphore {
	e.perToolMu.Lock()
	defer e.perToolMu.Unlock()
	sem, ok := e.perTool[name]
	if !ok {
		sem = infra.NewSemaphore(int64(limit))
		e.perTool[name] = sem
	}
	return sem
}

// Execute runs a single tool call through the full pipeline. It is safe to
// call concurrently from multiple goroutines for a batch of calls; ordering
// of the *results* as seen by the caller is the caller's responsibility (see
// ExecuteBatch, which uses a reorder buffer).
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	if call.Name == AskUserQuestionTool {
		return e.executeAskUserQuestion(ctx, call)
	}

	t, ok := e.registry.Get(call.Name)
	if !ok {
		return errorResult(call, fmt.Sprintf("unknown tool %q", call.Name))
	}

	hc := &HookContext{ToolName: call.Name, ToolCallID: call.ID, Call: call}

	// Pre-execution: hooks, then pre-snapshot of affected files.
	if err := e.hooks.RunPre(ctx, hc); err != nil {
		return errorResult(call, err.Error())
	}
	if hc.Blocked {
		return errorResult(call, hc.Reason)
	}

	affected := ExtractAffectedFiles(call.Input)
	if !t.IsReadOnly() && len(affected) > 0 && e.checkpoint != nil {
		if err := e.checkpoint.Snapshot(ctx, "Pre-"+call.Name, affected); err != nil {
			return errorResult(call, fmt.Sprintf("pre-snapshot failed: %v", err))
		}
	}

	if e.journal != nil {
		_ = e.journal.RecordToolCall(ctx, call)
	}

	// Execution: permission check, then concurrency-gated dispatch.
	perm := e.perm.Check(ctx, t, call)
	switch perm.Behavior {
	case models.PermissionDeny:
		result := errorResult(call, "permission denied: "+perm.Reason)
		e.finish(ctx, hc, result, nil, affected, t)
		return result
	case models.PermissionAsk:
		resp, err := e.askPermission(ctx, t, call, perm)
		if err != nil {
			result := errorResult(call, err.Error())
			e.finish(ctx, hc, result, nil, affected, t)
			return result
		}
		if resp.Kind == models.ResponsePermissionDenied || resp.Kind == models.ResponseCancelled {
			result := errorResult(call, "permission denied by operator")
			e.finish(ctx, hc, result, nil, affected, t)
			return result
		}
	}

	result, err := e.dispatch(ctx, t, call)
	e.finish(ctx, hc, result, err, affected, t)
	return hc.Result
}

func (e *Executor) askPermission(ctx context.Context, t Tool, call models.ToolCall, perm models.PermissionResult) (models.InputResponse, error) {
	if e.input == nil {
		return models.InputResponse{}, fmt.Errorf("permission requires operator input but no input channel is configured")
	}
	req := models.InputRequest{
		Kind:        models.InputKindPermission,
		ToolName:    call.Name,
		Description: perm.Reason,
	}
	return e.input.Request(ctx, req)
}

// dispatch acquires the concurrency permits implied by t.ConcurrencyMode,
// races t.Execute against ctx and t.MaxExecutionDuration, and releases
// permits on completion or cancellation.
func (e *Executor) dispatch(ctx context.Context, t Tool, call models.ToolCall) (models.ToolResult, error) {
	switch t.ConcurrencyMode() {
	case Sequential:
		e.seqMu.Lock()
		defer e.seqMu.Unlock()
	case ExclusiveByType:
		sem := e.toolSemaphore(t.Name(), 1)
		if err := sem.Acquire(ctx, 1); err != nil {
			return models.ToolResult{}, err
		}
		defer sem.Release(1)
	case Limited:
		limit := t.ConcurrencyLimit()
		if limit <= 0 {
			limit = 1
		}
		sem := e.toolSemaphore(t.Name(), limit)
		if err := sem.Acquire(ctx, 1); err != nil {
			return models.ToolResult{}, err
		}
		defer sem.Release(1)
	}

	if err := e.global.Acquire(ctx, 1); err != nil {
		return models.ToolResult{}, err
	}
	defer e.global.Release(1)

	runCtx := ctx
	var cancel context.CancelFunc
	if d := t.MaxExecutionDuration(); d > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	type outcome struct {
		result models.ToolResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := t.Execute(runCtx, call)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-runCtx.Done():
		return models.ToolResult{}, runCtx.Err()
	}
}

func (e *Executor) finish(ctx context.Context, hc *HookContext, result models.ToolResult, err error, affected []string, t Tool) {
	start := time.Now()
	hc.Result = result
	hc.Err = err
	if err != nil && result.Output == "" && result.Error == "" {
		hc.Result = errorResult(hc.Call, err.Error())
	}
	hc.Duration = time.Since(start)

	_ = e.hooks.RunPost(ctx, hc)

	if e.journal != nil {
		_ = e.journal.RecordToolResult(ctx, hc.Result)
	}
	if t != nil && !t.IsReadOnly() && len(affected) > 0 && e.checkpoint != nil {
		_ = e.checkpoint.Snapshot(ctx, "Post-"+hc.ToolName, affected)
		if e.journal != nil {
			_ = e.journal.RecordSnapshot(ctx, affected)
		}
	}
}

func (e *Executor) executeAskUserQuestion(ctx context.Context, call models.ToolCall) models.ToolResult {
	if e.input == nil {
		return errorResult(call, "ask_user_question requires an input channel but none is configured")
	}

	var args struct {
		Questions []models.Question `json:"questions"`
	}
	if err := unmarshalArgs(call.Input, &args); err != nil {
		return errorResult(call, "invalid ask_user_question arguments: "+err.Error())
	}

	resp, err := e.input.Request(ctx, models.InputRequest{Kind: models.InputKindQuestions, Questions: args.Questions})
	if err != nil {
		if ctx.Err() != nil {
			return errorResult(call, "cancelled")
		}
		return errorResult(call, err.Error())
	}
	if resp.Kind == models.ResponseCancelled {
		return errorResult(call, "cancelled")
	}

	return models.ToolResult{ToolCallID: call.ID, ToolName: call.Name, Success: true, Output: formatAnswers(resp)}
}

func formatAnswers(resp models.InputResponse) string {
	if len(resp.Answers) == 0 {
		if resp.Text != "" {
			return resp.Text
		}
		return resp.SelectedLabel
	}
	out := ""
	for q, a := range resp.Answers {
		if out != "" {
			out += "\n"
		}
		out += q + ": " + a
	}
	return out
}

func errorResult(call models.ToolCall, msg string) models.ToolResult {
	return models.ToolResult{ToolCallID: call.ID, ToolName: call.Name, Success: false, Error: msg}
}

func unmarshalArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
