package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sagerun/sage/internal/llm"
)

// Registry holds every Tool an embedder has registered, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. It is an error to register the same name twice, or
// to register either of the reserved names ask_user_question / task_done,
// which the execution loop and executor handle specially.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == AskUserQuestionTool || name == TaskDoneTool {
		return fmt.Errorf("tool: %q is a reserved name and cannot be registered", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool: %q is already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool, sorted by name for deterministic
// schema ordering in the LLM request.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Schemas returns every registered tool's llm.ToolSchema, in the same order
// as List, ready to hand to the LLM Orchestrator.
func (r *Registry) Schemas() []llm.ToolSchema {
	tools := r.List()
	out := make([]llm.ToolSchema, len(tools))
	for i, t := range tools {
		out[i] = Schema(t)
	}
	return out
}
