package models

import "time"

// Task is the immutable input to an execution.
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	WorkingDir  string    `json:"working_dir"`
	CreatedAt   time.Time `json:"created_at"`
}

// StepState is a node in the AgentStep state DAG.
type StepState string

const (
	StepInitializing   StepState = "initializing"
	StepThinking       StepState = "thinking"
	StepToolExecution  StepState = "tool_execution"
	StepWaitingForTools StepState = "waiting_for_tools"
	StepCompleted      StepState = "completed"
	StepError          StepState = "error"
	StepCancelled      StepState = "cancelled"
	StepTimeout        StepState = "timeout"
)

// stepTransitions enumerates the allowed DAG edges; terminal states have none.
var stepTransitions = map[StepState]map[StepState]bool{
	StepInitializing: {
		StepThinking: true,
		StepError:    true,
	},
	StepThinking: {
		StepToolExecution: true,
		StepCompleted:     true,
		StepError:         true,
		StepCancelled:     true,
	},
	StepToolExecution: {
		StepWaitingForTools: true,
		StepThinking:        true,
		StepError:           true,
		StepCancelled:       true,
	},
	StepWaitingForTools: {
		StepThinking: true,
		StepError:    true,
		StepCancelled: true,
		StepTimeout:  true,
	},
}

// CanTransition reports whether moving from "from" to "to" is a legal edge
// in the AgentStep state DAG. Terminal states (Completed/Error/Cancelled/Timeout)
// accept no outgoing edges.
func CanTransition(from, to StepState) bool {
	edges, ok := stepTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// IsTerminal reports whether a state has no outgoing transitions.
func IsTerminal(s StepState) bool {
	switch s {
	case StepCompleted, StepError, StepCancelled, StepTimeout:
		return true
	default:
		return false
	}
}

// AgentStep is one model turn within an AgentExecution.
type AgentStep struct {
	StepNumber  int          `json:"step_number"`
	State       StepState    `json:"state"`
	Response    *LlmResponse `json:"response,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at,omitempty"`
}

// Transition moves the step to a new state, returning an error-shaped bool
// if the edge is not legal. Callers are expected to check before committing
// side effects tied to the new state.
func (s *AgentStep) Transition(to StepState) bool {
	if !CanTransition(s.State, to) {
		return false
	}
	s.State = to
	return true
}

// ExecutionErrorKind classifies a fatal execution error.
type ExecutionErrorKind string

const (
	ErrKindAuthentication    ExecutionErrorKind = "authentication"
	ErrKindRateLimit         ExecutionErrorKind = "rate_limit"
	ErrKindInvalidRequest    ExecutionErrorKind = "invalid_request"
	ErrKindServiceUnavailable ExecutionErrorKind = "service_unavailable"
	ErrKindToolExecution     ExecutionErrorKind = "tool_execution"
	ErrKindConfiguration     ExecutionErrorKind = "configuration"
	ErrKindNetwork           ExecutionErrorKind = "network"
	ErrKindTimeout           ExecutionErrorKind = "timeout"
	ErrKindOther             ExecutionErrorKind = "other"
)

// ExecutionError is the terminal error shape for a Failed outcome.
type ExecutionError struct {
	Kind       ExecutionErrorKind `json:"kind"`
	Message    string             `json:"message"`
	Provider   string             `json:"provider,omitempty"`
	ToolName   string             `json:"tool_name,omitempty"`
	Suggestion string             `json:"suggestion,omitempty"`
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// OutcomeKind discriminates ExecutionOutcome's tagged-union variants.
type OutcomeKind string

const (
	OutcomeSuccess         OutcomeKind = "success"
	OutcomeFailed          OutcomeKind = "failed"
	OutcomeInterrupted     OutcomeKind = "interrupted"
	OutcomeMaxStepsReached OutcomeKind = "max_steps_reached"
	OutcomeUserCancelled   OutcomeKind = "user_cancelled"
	OutcomeNeedsUserInput  OutcomeKind = "needs_user_input"
)

// ExecutionOutcome is the terminal result of an AgentExecution. Exactly the
// fields relevant to Kind are populated; the partial AgentExecution is always
// preserved so callers can display what happened before termination.
type ExecutionOutcome struct {
	Kind            OutcomeKind     `json:"kind"`
	Execution       *AgentExecution `json:"execution"`
	Error           *ExecutionError `json:"error,omitempty"`
	LastResponse    string          `json:"last_response,omitempty"`
	PendingQuestion *InputRequest   `json:"pending_question,omitempty"`
}

// AgentExecution is the mutable accumulator for one task run.
type AgentExecution struct {
	Task         Task         `json:"task"`
	Steps        []*AgentStep `json:"steps"`
	TokenUsage   Usage        `json:"token_usage"`
	FinalResult  string       `json:"final_result,omitempty"`
	SessionID    string       `json:"session_id"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at,omitempty"`
}

// AddUsage accumulates token counts from one LLM call into the running total.
func (e *AgentExecution) AddUsage(u Usage) {
	e.TokenUsage.Prompt += u.Prompt
	e.TokenUsage.Completion += u.Completion
	e.TokenUsage.CacheRead += u.CacheRead
	e.TokenUsage.CacheWrite += u.CacheWrite
}
