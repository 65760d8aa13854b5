package tool

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sagerun/sage/pkg/models"
)

type fakeTool struct {
	name       string
	mode       ConcurrencyMode
	limit      int
	readOnly   bool
	maxDur     time.Duration
	perm       models.PermissionResult
	runCount   int32
	concurrent int32
	maxSeen    int32
	execFn     func(ctx context.Context, call models.ToolCall) (models.ToolResult, error)
}

func (t *fakeTool) Name() string                 { return t.name }
func (t *fakeTool) Description() string          { return "fake tool for tests" }
func (t *fakeTool) Schema() map[string]any        { return map[string]any{"type": "object"} }
func (t *fakeTool) ConcurrencyMode() ConcurrencyMode { return t.mode }
func (t *fakeTool) ConcurrencyLimit() int        { return t.limit }
func (t *fakeTool) IsReadOnly() bool             { return t.readOnly }
func (t *fakeTool) MaxExecutionDuration() time.Duration { return t.maxDur }
func (t *fakeTool) CheckPermission(ctx context.Context, call models.ToolCall) models.PermissionResult {
	return t.perm
}

func (t *fakeTool) Execute(ctx context.Context, call models.ToolCall) (models.ToolResult, error) {
	atomic.AddInt32(&t.runCount, 1)
	cur := atomic.AddInt32(&t.concurrent, 1)
	defer atomic.AddInt32(&t.concurrent, -1)
	for {
		max := atomic.LoadInt32(&t.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&t.maxSeen, max, cur) {
			break
		}
	}
	if t.execFn != nil {
		return t.execFn(ctx, call)
	}
	return models.ToolResult{ToolCallID: call.ID, ToolName: call.Name, Success: true, Output: "ok"}, nil
}

func newExecutor(t *testing.T, tools ...Tool) (*Executor, *Registry) {
	t.Helper()
	reg := NewRegistry()
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	perm := NewPermissionChecker(NewRuleSet(nil))
	return NewExecutor(reg, perm, NewHookChain(nil, nil), nil, nil, nil, DefaultExecutorConfig()), reg
}

func TestExecutor_UnknownToolReturnsError(t *testing.T) {
	exec, _ := newExecutor(t)
	result := exec.Execute(context.Background(), models.ToolCall{ID: "1", Name: "nope"})
	if result.Success {
		t.Fatal("expected failure for unknown tool")
	}
}

func TestExecutor_DeniedPermissionAbortsExecution(t *testing.T) {
	ft := &fakeTool{name: "write", mode: Parallel, perm: models.PermissionResult{Behavior: models.PermissionDeny, Reason: "no writes allowed"}}
	exec, _ := newExecutor(t, ft)
	result := exec.Execute(context.Background(), models.ToolCall{ID: "1", Name: "write"})
	if result.Success {
		t.Fatal("expected permission denial")
	}
	if atomic.LoadInt32(&ft.runCount) != 0 {
		t.Fatal("tool must not run when permission is denied")
	}
}

func TestExecutor_PreHookCanBlock(t *testing.T) {
	ft := &fakeTool{name: "exec", mode: Parallel, perm: models.PermissionResult{Behavior: models.PermissionAllow}}
	reg := NewRegistry()
	_ = reg.Register(ft)
	perm := NewPermissionChecker(NewRuleSet(nil))
	hooks := NewHookChain([]PreHook{
		func(ctx context.Context, hc *HookContext) error {
			hc.Blocked = true
			hc.Reason = "blocked by policy"
			return nil
		},
	}, nil)
	exec := NewExecutor(reg, perm, hooks, nil, nil, nil, DefaultExecutorConfig())

	result := exec.Execute(context.Background(), models.ToolCall{ID: "1", Name: "exec"})
	if result.Success || result.Error != "blocked by policy" {
		t.Fatalf("expected block reason, got %+v", result)
	}
	if atomic.LoadInt32(&ft.runCount) != 0 {
		t.Fatal("tool must not run when a pre-hook blocks it")
	}
}

func TestExecutor_ExclusiveByTypeLimitsToOneConcurrent(t *testing.T) {
	ft := &fakeTool{name: "browser", mode: ExclusiveByType, perm: models.PermissionResult{Behavior: models.PermissionAllow},
		execFn: func(ctx context.Context, call models.ToolCall) (models.ToolResult, error) {
			time.Sleep(20 * time.Millisecond)
			return models.ToolResult{ToolCallID: call.ID, Success: true}, nil
		}}
	exec, _ := newExecutor(t, ft)

	calls := make([]models.ToolCall, 5)
	for i := range calls {
		calls[i] = models.ToolCall{ID: "id", Name: "browser"}
	}
	exec.ExecuteBatch(context.Background(), calls)

	if atomic.LoadInt32(&ft.maxSeen) > 1 {
		t.Fatalf("expected at most 1 concurrent execution, saw %d", ft.maxSeen)
	}
	if atomic.LoadInt32(&ft.runCount) != 5 {
		t.Fatalf("expected 5 runs, got %d", ft.runCount)
	}
}

func TestExecutor_LimitedCapsConcurrencyAtN(t *testing.T) {
	ft := &fakeTool{name: "fetch", mode: Limited, limit: 2, perm: models.PermissionResult{Behavior: models.PermissionAllow},
		execFn: func(ctx context.Context, call models.ToolCall) (models.ToolResult, error) {
			time.Sleep(20 * time.Millisecond)
			return models.ToolResult{ToolCallID: call.ID, Success: true}, nil
		}}
	exec, _ := newExecutor(t, ft)

	calls := make([]models.ToolCall, 6)
	for i := range calls {
		calls[i] = models.ToolCall{ID: "id", Name: "fetch"}
	}
	exec.ExecuteBatch(context.Background(), calls)

	if atomic.LoadInt32(&ft.maxSeen) > 2 {
		t.Fatalf("expected at most 2 concurrent executions, saw %d", ft.maxSeen)
	}
}

func TestExecutor_MaxExecutionDurationTimesOut(t *testing.T) {
	ft := &fakeTool{name: "slow", mode: Parallel, maxDur: 5 * time.Millisecond,
		perm: models.PermissionResult{Behavior: models.PermissionAllow},
		execFn: func(ctx context.Context, call models.ToolCall) (models.ToolResult, error) {
			select {
			case <-time.After(time.Second):
				return models.ToolResult{Success: true}, nil
			case <-ctx.Done():
				return models.ToolResult{}, ctx.Err()
			}
		}}
	exec, _ := newExecutor(t, ft)

	result := exec.Execute(context.Background(), models.ToolCall{ID: "1", Name: "slow"})
	if result.Success {
		t.Fatal("expected a timeout failure")
	}
}

func TestExecutor_BatchPreservesCallOrder(t *testing.T) {
	ft := &fakeTool{name: "echo", mode: Parallel, perm: models.PermissionResult{Behavior: models.PermissionAllow},
		execFn: func(ctx context.Context, call models.ToolCall) (models.ToolResult, error) {
			var delay time.Duration
			_ = json.Unmarshal(call.Input, &delay)
			time.Sleep(time.Duration(len(call.ID)) * time.Millisecond)
			return models.ToolResult{ToolCallID: call.ID, ToolName: call.Name, Success: true, Output: call.ID}, nil
		}}
	exec, _ := newExecutor(t, ft)

	calls := []models.ToolCall{
		{ID: "aaa", Name: "echo"},
		{ID: "a", Name: "echo"},
		{ID: "aa", Name: "echo"},
	}
	results := exec.ExecuteBatch(context.Background(), calls)
	for i, r := range results {
		if r.Output != calls[i].ID {
			t.Fatalf("result[%d] = %q, want %q (order must match call order)", i, r.Output, calls[i].ID)
		}
	}
}

func TestExecutor_AskUserQuestionWithoutChannelFails(t *testing.T) {
	exec, _ := newExecutor(t)
	result := exec.Execute(context.Background(), models.ToolCall{ID: "1", Name: AskUserQuestionTool})
	if result.Success {
		t.Fatal("expected failure without an input channel")
	}
}

type fakeInputChannel struct {
	resp models.InputResponse
	err  error
}

func (f *fakeInputChannel) Request(ctx context.Context, req models.InputRequest) (models.InputResponse, error) {
	return f.resp, f.err
}

func TestExecutor_AskUserQuestionFormatsAnswers(t *testing.T) {
	reg := NewRegistry()
	perm := NewPermissionChecker(NewRuleSet(nil))
	input := &fakeInputChannel{resp: models.InputResponse{Kind: models.ResponseQuestionAnswers, Answers: map[string]string{"proceed?": "yes"}}}
	exec := NewExecutor(reg, perm, NewHookChain(nil, nil), nil, nil, input, DefaultExecutorConfig())

	result := exec.Execute(context.Background(), models.ToolCall{ID: "1", Name: AskUserQuestionTool,
		Input: json.RawMessage(`{"questions":[{"question":"proceed?"}]}`)})
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.Output != "proceed?: yes" {
		t.Fatalf("unexpected formatted answer: %q", result.Output)
	}
}
