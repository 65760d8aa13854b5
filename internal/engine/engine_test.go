package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sagerun/sage/internal/interrupt"
	"github.com/sagerun/sage/internal/llm"
	"github.com/sagerun/sage/internal/session"
	"github.com/sagerun/sage/internal/tool"
	"github.com/sagerun/sage/pkg/models"
)

// fakeOrchestrator replays a scripted sequence of responses, one per Chat
// call, so tests can script a multi-step conversation deterministically.
type fakeOrchestrator struct {
	responses []*models.LlmResponse
	errs      []error
	onCall    func(callIndex int)
	calls     int
}

func (f *fakeOrchestrator) Chat(ctx context.Context, messages []models.LlmMessage, tools []llm.ToolSchema) (*models.LlmResponse, error) {
	i := f.calls
	f.calls++
	if f.onCall != nil {
		f.onCall(i)
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.responses) {
		return &models.LlmResponse{Content: "done", FinishReason: models.FinishStop}, nil
	}
	return f.responses[i], nil
}

// fakeExecutor returns a scripted ToolResult for every call, recording what
// it was asked to run.
type fakeExecutor struct {
	result models.ToolResult
	calls  []models.ToolCall
}

func (f *fakeExecutor) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	f.calls = append(f.calls, call)
	out := f.result
	out.ToolCallID = call.ID
	out.ToolName = call.Name
	return out
}

func newTestEngine(t *testing.T, orch Orchestrator, exec Executor) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := session.NewFileJournal(dir)
	if err != nil {
		t.Fatalf("NewFileJournal: %v", err)
	}
	registry := tool.NewRegistry()
	mgr := interrupt.NewManager()
	var events []models.AgentEvent
	e := New(DefaultConfig(), orch, exec, registry, mgr, store, nil, func(ev models.AgentEvent) {
		events = append(events, ev)
	})
	return e, dir
}

func TestEngine_Run_SuccessViaTaskDone(t *testing.T) {
	input, _ := json.Marshal(map[string]string{"summary": "all changes applied"})
	orch := &fakeOrchestrator{responses: []*models.LlmResponse{
		{
			Content:      "",
			ToolCalls:    []models.ToolCall{{ID: "1", Name: tool.TaskDoneTool, Input: input}},
			FinishReason: models.FinishToolCalls,
		},
	}}
	e, _ := newTestEngine(t, orch, &fakeExecutor{})

	outcome := e.Run(context.Background(), models.Task{ID: "t1", Description: "fix the bug", WorkingDir: "/tmp"})
	if outcome.Kind != models.OutcomeSuccess {
		t.Fatalf("expected Success, got %v (%+v)", outcome.Kind, outcome.Error)
	}
	if outcome.LastResponse != "all changes applied" {
		t.Fatalf("expected final summary to be recorded, got %q", outcome.LastResponse)
	}
}

func TestEngine_Run_DispatchesToolCallsThenFinishes(t *testing.T) {
	toolInput, _ := json.Marshal(map[string]string{"path": "a.go"})
	orch := &fakeOrchestrator{responses: []*models.LlmResponse{
		{
			ToolCalls:    []models.ToolCall{{ID: "1", Name: "read", Input: toolInput}},
			FinishReason: models.FinishToolCalls,
		},
		{
			Content:      "task complete, nothing further needed",
			FinishReason: models.FinishStop,
		},
	}}
	exec := &fakeExecutor{result: models.ToolResult{Success: true, Output: "file contents"}}
	e, _ := newTestEngine(t, orch, exec)

	outcome := e.Run(context.Background(), models.Task{ID: "t2", Description: "read a file", WorkingDir: "/tmp"})
	if outcome.Kind != models.OutcomeSuccess {
		t.Fatalf("expected Success, got %v", outcome.Kind)
	}
	if len(exec.calls) != 1 || exec.calls[0].Name != "read" {
		t.Fatalf("expected exactly one dispatched read call, got %+v", exec.calls)
	}
}

func TestEngine_Run_NoToolCallsAndNoCompletionSignalNeedsUserInput(t *testing.T) {
	orch := &fakeOrchestrator{responses: []*models.LlmResponse{
		{Content: "What directory should I use?", FinishReason: models.FinishStop},
	}}
	e, _ := newTestEngine(t, orch, &fakeExecutor{})

	outcome := e.Run(context.Background(), models.Task{ID: "t3", Description: "ambiguous task", WorkingDir: "/tmp"})
	if outcome.Kind != models.OutcomeNeedsUserInput {
		t.Fatalf("expected NeedsUserInput, got %v", outcome.Kind)
	}
}

func TestEngine_Run_ChatErrorProducesFailedOutcome(t *testing.T) {
	orch := &fakeOrchestrator{errs: []error{errors.New("401 unauthorized")}}
	e, _ := newTestEngine(t, orch, &fakeExecutor{})

	outcome := e.Run(context.Background(), models.Task{ID: "t4", Description: "x", WorkingDir: "/tmp"})
	if outcome.Kind != models.OutcomeFailed {
		t.Fatalf("expected Failed, got %v", outcome.Kind)
	}
	if outcome.Error == nil || outcome.Error.Kind != models.ErrKindAuthentication {
		t.Fatalf("expected an authentication error classification, got %+v", outcome.Error)
	}
}

func TestEngine_Run_CancelledScopeInterrupts(t *testing.T) {
	toolInput, _ := json.Marshal(map[string]string{"path": "a.go"})
	dir := t.TempDir()
	store, err := session.NewFileJournal(dir)
	if err != nil {
		t.Fatalf("NewFileJournal: %v", err)
	}
	mgr := interrupt.NewManager()

	orch := &fakeOrchestrator{
		responses: []*models.LlmResponse{
			{ToolCalls: []models.ToolCall{{ID: "1", Name: "read", Input: toolInput}}, FinishReason: models.FinishToolCalls},
			{Content: "task complete", FinishReason: models.FinishStop},
		},
	}
	// Simulate an operator interrupt arriving after Run's Reset() has
	// already produced the live scope the loop checks against — raised
	// right as the first model call returns, so the top-of-loop check on
	// the second step observes it.
	orch.onCall = func(callIndex int) {
		if callIndex == 0 {
			mgr.Interrupt(interrupt.ReasonUserInterrupt)
		}
	}

	e := New(DefaultConfig(), orch, &fakeExecutor{result: models.ToolResult{Success: true}}, tool.NewRegistry(), mgr, store, nil, nil)

	outcome := e.Run(context.Background(), models.Task{ID: "t5", Description: "x", WorkingDir: "/tmp"})
	if outcome.Kind != models.OutcomeInterrupted {
		t.Fatalf("expected Interrupted, got %v", outcome.Kind)
	}
}

func TestEngine_Run_MaxStepsReachedWhenModelNeverStops(t *testing.T) {
	toolInput, _ := json.Marshal(map[string]string{"path": "a.go"})
	cfg := Config{MaxSteps: 2, SystemPrompt: "test"}
	orch := &fakeOrchestrator{}
	// Every call returns a tool call, so the loop never naturally terminates.
	orch.responses = []*models.LlmResponse{
		{ToolCalls: []models.ToolCall{{ID: "1", Name: "read", Input: toolInput}}, FinishReason: models.FinishToolCalls},
		{ToolCalls: []models.ToolCall{{ID: "2", Name: "read", Input: toolInput}}, FinishReason: models.FinishToolCalls},
	}
	exec := &fakeExecutor{result: models.ToolResult{Success: true, Output: "ok"}}

	dir := t.TempDir()
	store, err := session.NewFileJournal(dir)
	if err != nil {
		t.Fatalf("NewFileJournal: %v", err)
	}
	e := New(cfg, orch, exec, tool.NewRegistry(), interrupt.NewManager(), store, nil, nil)

	outcome := e.Run(context.Background(), models.Task{ID: "t6", Description: "x", WorkingDir: "/tmp"})
	if outcome.Kind != models.OutcomeMaxStepsReached {
		t.Fatalf("expected MaxStepsReached, got %v", outcome.Kind)
	}
	if len(exec.calls) != 2 {
		t.Fatalf("expected exactly MaxSteps dispatched tool calls, got %d", len(exec.calls))
	}
}

func TestEngine_Run_RecordsMessagesToJournal(t *testing.T) {
	orch := &fakeOrchestrator{responses: []*models.LlmResponse{
		{Content: "task complete", FinishReason: models.FinishStop},
	}}
	e, dir := newTestEngine(t, orch, &fakeExecutor{})

	outcome := e.Run(context.Background(), models.Task{ID: "t7", Description: "say hi", WorkingDir: dir})
	if outcome.Kind != models.OutcomeSuccess {
		t.Fatalf("expected Success, got %v", outcome.Kind)
	}

	store, err := session.NewFileJournal(dir)
	if err != nil {
		t.Fatalf("NewFileJournal: %v", err)
	}
	msgs, err := store.LoadMessages(outcome.Execution.SessionID)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	// user message + assistant message, at minimum.
	if len(msgs) < 2 {
		t.Fatalf("expected at least 2 recorded messages, got %d", len(msgs))
	}
}
