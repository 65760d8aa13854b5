// Package engine implements the Execution Loop (C7): the state machine spec
// §4.7 describes, wiring together the interrupt fabric (C1), the LLM
// Orchestrator (C3), the Tool Orchestrator (C4), the Session Journal (C5),
// and the Context Manager (C6) into one driven run.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sagerun/sage/internal/compact"
	"github.com/sagerun/sage/internal/interrupt"
	"github.com/sagerun/sage/internal/llm"
	"github.com/sagerun/sage/internal/session"
	"github.com/sagerun/sage/internal/tool"
	"github.com/sagerun/sage/pkg/models"
)

// Orchestrator is the C3 seam the engine drives: exactly the subset of
// llm.Orchestrator's surface this loop needs, so tests can supply a fake.
type Orchestrator interface {
	Chat(ctx context.Context, messages []models.LlmMessage, tools []llm.ToolSchema) (*models.LlmResponse, error)
}

// Executor is the C4 seam the engine dispatches tool calls through.
type Executor interface {
	Execute(ctx context.Context, call models.ToolCall) models.ToolResult
}

// Config tunes a run.
type Config struct {
	MaxSteps     int
	SystemPrompt string
}

// DefaultConfig matches the spec's documented default step budget.
func DefaultConfig() Config {
	return Config{MaxSteps: 50, SystemPrompt: "You are Sage, an autonomous coding agent."}
}

// Engine drives one task through the §4.7 state machine.
type Engine struct {
	cfg        Config
	orch       Orchestrator
	exec       Executor
	registry   *tool.Registry
	interrupts *interrupt.Manager
	journal    session.Store
	compactor  *compact.Manager
	events     func(models.AgentEvent)

	seq uint64
}

// New wires an Engine. compactor and events may be nil for callers that
// don't need compaction or event streaming.
func New(cfg Config, orch Orchestrator, exec Executor, registry *tool.Registry, interrupts *interrupt.Manager, journal session.Store, compactor *compact.Manager, events func(models.AgentEvent)) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultConfig().MaxSteps
	}
	return &Engine{
		cfg:        cfg,
		orch:       orch,
		exec:       exec,
		registry:   registry,
		interrupts: interrupts,
		journal:    journal,
		compactor:  compactor,
		events:     events,
	}
}

func (e *Engine) emit(runID string, typ models.AgentEventType, mutate func(*models.AgentEvent)) {
	if e.events == nil {
		return
	}
	e.seq++
	ev := models.AgentEvent{Version: 1, Type: typ, Time: time.Now().UTC(), Sequence: e.seq, RunID: runID}
	if mutate != nil {
		mutate(&ev)
	}
	e.events(ev)
}

// Run drives task through the execution loop to a terminal
// ExecutionOutcome. It always returns a non-nil outcome; errors that would
// abort the run entirely (session creation failure) are reported as an
// OutcomeFailed outcome rather than a Go error, since the loop's contract is
// "always terminates in an outcome".
func (e *Engine) Run(ctx context.Context, task models.Task) *models.ExecutionOutcome {
	e.interrupts.Reset()
	scope := e.interrupts.CreateTaskScope()
	runCtx := scope.Context()

	exec := &models.AgentExecution{Task: task, StartedAt: time.Now().UTC()}

	meta, err := e.journal.CreateSession(task.WorkingDir, task.Description, "")
	if err != nil {
		return e.fail(exec, models.ErrKindConfiguration, fmt.Sprintf("create session: %v", err))
	}
	exec.SessionID = meta.ID

	e.emit(task.ID, models.AgentEventRunStarted, nil)

	systemMsg := models.LlmMessage{Role: models.RoleSystem, Content: e.cfg.SystemPrompt}
	userMsg := models.LlmMessage{Role: models.RoleUser, Content: task.Description}
	messages := []models.LlmMessage{systemMsg, userMsg}

	if _, err := e.journal.AppendMessage(exec.SessionID, task.WorkingDir, userMsg); err != nil {
		return e.fail(exec, models.ErrKindConfiguration, fmt.Sprintf("record initial message: %v", err))
	}

	schemas := e.registry.Schemas()
	outcome := e.loop(runCtx, scope, task, exec, messages, schemas)

	exec.FinishedAt = time.Now().UTC()
	e.emit(task.ID, models.AgentEventRunFinished, func(ev *models.AgentEvent) {
		ev.Stats = &models.StatsEventPayload{Run: &models.RunStats{
			RunID:        task.ID,
			StartedAt:    exec.StartedAt,
			FinishedAt:   exec.FinishedAt,
			WallTime:     exec.FinishedAt.Sub(exec.StartedAt),
			Turns:        len(exec.Steps),
			InputTokens:  exec.TokenUsage.Prompt,
			OutputTokens: exec.TokenUsage.Completion,
			Cancelled:    outcome.Kind == models.OutcomeInterrupted || outcome.Kind == models.OutcomeUserCancelled,
		}}
	})
	return outcome
}

func (e *Engine) loop(runCtx context.Context, scope *interrupt.Scope, task models.Task, exec *models.AgentExecution, messages []models.LlmMessage, schemas []llm.ToolSchema) *models.ExecutionOutcome {
	for stepNum := 1; stepNum <= e.cfg.MaxSteps; stepNum++ {
		if scope.IsCancelled() {
			return &models.ExecutionOutcome{Kind: models.OutcomeInterrupted, Execution: exec}
		}

		if e.compactor != nil && e.compactor.ShouldCompact(messages) {
			compacted, result, err := e.compactor.Compact(runCtx, messages)
			if err == nil && result != nil {
				messages = compacted
				e.emit(task.ID, models.AgentEventContextPacked, func(ev *models.AgentEvent) {
					ev.Context = &models.ContextEventPayload{
						BudgetChars:  0,
						UsedMessages: result.MessagesAfter,
						Candidates:   result.MessagesBefore,
						Included:     result.MessagesAfter,
						Dropped:      result.MessagesBefore - result.MessagesAfter,
						SummaryUsed:  true,
						SummaryChars: len(result.Summary.Content),
					}
				})
			}
		}

		step := &models.AgentStep{StepNumber: stepNum, State: models.StepThinking, StartedAt: time.Now().UTC()}
		exec.Steps = append(exec.Steps, step)
		e.emit(task.ID, models.AgentEventTurnStarted, func(ev *models.AgentEvent) { ev.TurnIndex = stepNum })

		response, err := e.orch.Chat(runCtx, messages, schemas)
		if err != nil {
			step.Transition(models.StepError)
			step.FinishedAt = time.Now().UTC()
			if runCtx.Err() != nil {
				return &models.ExecutionOutcome{Kind: models.OutcomeInterrupted, Execution: exec}
			}
			return &models.ExecutionOutcome{Kind: models.OutcomeFailed, Execution: exec, Error: classifyChatError(err)}
		}

		exec.AddUsage(response.Usage)
		step.Response = response

		assistantMsg := models.LlmMessage{Role: models.RoleAssistant, Content: response.Content, ToolCalls: response.ToolCalls}
		messages = append(messages, assistantMsg)
		_, _ = e.journal.AppendMessage(exec.SessionID, task.WorkingDir, assistantMsg)

		if len(response.ToolCalls) == 0 {
			step.Transition(models.StepCompleted)
			step.FinishedAt = time.Now().UTC()
			if looksLikeCompletion(response.Content) {
				exec.FinalResult = response.Content
				return &models.ExecutionOutcome{Kind: models.OutcomeSuccess, Execution: exec, LastResponse: response.Content}
			}
			return &models.ExecutionOutcome{Kind: models.OutcomeNeedsUserInput, Execution: exec, LastResponse: response.Content}
		}

		step.Transition(models.StepToolExecution)
		if outcome := e.runToolCalls(runCtx, scope, task, exec, step, &messages, response.ToolCalls); outcome != nil {
			return outcome
		}
		step.Transition(models.StepWaitingForTools)
		step.FinishedAt = time.Now().UTC()
	}

	return &models.ExecutionOutcome{Kind: models.OutcomeMaxStepsReached, Execution: exec}
}

// runToolCalls dispatches response.ToolCalls in order, appending tool result
// messages to *messages and recording them in the journal. It returns a
// non-nil ExecutionOutcome if a terminal condition (task_done, cancellation)
// was hit mid-batch, signalling the caller to stop the outer loop.
func (e *Engine) runToolCalls(runCtx context.Context, scope *interrupt.Scope, task models.Task, exec *models.AgentExecution, step *models.AgentStep, messages *[]models.LlmMessage, calls []models.ToolCall) *models.ExecutionOutcome {
	for _, call := range calls {
		if scope.IsCancelled() {
			return &models.ExecutionOutcome{Kind: models.OutcomeInterrupted, Execution: exec}
		}

		if call.Name == tool.TaskDoneTool {
			summary := extractSummary(call.Input)
			exec.FinalResult = summary
			return &models.ExecutionOutcome{Kind: models.OutcomeSuccess, Execution: exec, LastResponse: summary}
		}

		e.emit(task.ID, models.AgentEventToolStarted, func(ev *models.AgentEvent) {
			ev.Tool = &models.ToolEventPayload{CallID: call.ID, Name: call.Name, ArgsJSON: call.Input}
		})

		start := time.Now()
		result := e.exec.Execute(runCtx, call)
		step.ToolResults = append(step.ToolResults, result)

		e.emit(task.ID, models.AgentEventToolFinished, func(ev *models.AgentEvent) {
			resultJSON, _ := json.Marshal(result)
			ev.Tool = &models.ToolEventPayload{CallID: call.ID, Name: call.Name, Success: result.Success, ResultJSON: resultJSON, Elapsed: time.Since(start)}
		})

		content := result.Output
		if !result.Success {
			content = result.Error
		}
		toolMsg := models.LlmMessage{Role: models.RoleTool, Content: content, Name: result.ToolName, ToolCallID: result.ToolCallID}
		*messages = append(*messages, toolMsg)
		_, _ = e.journal.AppendMessage(exec.SessionID, task.WorkingDir, toolMsg)

		if runCtx.Err() != nil {
			return &models.ExecutionOutcome{Kind: models.OutcomeInterrupted, Execution: exec}
		}
	}
	return nil
}

func (e *Engine) fail(exec *models.AgentExecution, kind models.ExecutionErrorKind, msg string) *models.ExecutionOutcome {
	exec.FinishedAt = time.Now().UTC()
	return &models.ExecutionOutcome{Kind: models.OutcomeFailed, Execution: exec, Error: &models.ExecutionError{Kind: kind, Message: msg}}
}

// classifyChatError maps the C3 Orchestrator's error classification onto the
// loop's ExecutionErrorKind, so callers (the CLI's exit-code mapping) see a
// typed reason rather than an opaque error string.
func classifyChatError(err error) *models.ExecutionError {
	kind := models.ErrKindOther
	switch llm.Classify(err) {
	case llm.CategoryAuth:
		kind = models.ErrKindAuthentication
	case llm.CategoryRateLimit:
		kind = models.ErrKindRateLimit
	case llm.CategoryInvalidRequest:
		kind = models.ErrKindInvalidRequest
	case llm.CategoryServerError, llm.CategoryModelUnavailable, llm.CategoryBilling:
		kind = models.ErrKindServiceUnavailable
	case llm.CategoryTimeout:
		kind = models.ErrKindTimeout
	}
	return &models.ExecutionError{Kind: kind, Message: err.Error()}
}

// looksLikeCompletion is the loop's heuristic for "the model stopped calling
// tools because it believes the task is done" versus "the model is waiting
// on the user for more direction" — the spec names both as possibilities
// when tool_calls comes back empty but leaves the distinguishing signal
// unspecified beyond "content suggests completion". Models that want a
// precise signal should call task_done instead, which always wins
// regardless of this heuristic.
func looksLikeCompletion(content string) bool {
	lower := strings.ToLower(strings.TrimSpace(content))
	if lower == "" {
		return false
	}
	markers := []string{
		"task complete", "task is complete", "task completed",
		"i've completed", "i have completed", "all done", "finished the task",
	}
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func extractSummary(raw json.RawMessage) string {
	var args struct {
		Summary string `json:"summary"`
	}
	if len(raw) == 0 {
		return ""
	}
	_ = json.Unmarshal(raw, &args)
	return args.Summary
}
