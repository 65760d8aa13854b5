package tool

import (
	"context"
	"time"

	"github.com/sagerun/sage/pkg/models"
)

// HookContext carries the mutable state pre/post hooks can inspect or alter.
// It deliberately mirrors the teacher's tool-hook context shape rather than
// the generic event/registry system, since that system is tied to the
// channel-bot event model this package has no use for.
type HookContext struct {
	ToolName   string
	ToolCallID string
	Call       models.ToolCall
	Result     models.ToolResult
	Err        error
	Duration   time.Duration

	// Blocked, when set by a PreHook, aborts execution with Reason as the
	// tool's error output. No further pre-hooks or the tool itself run.
	Blocked bool
	Reason  string
}

// PreHook runs before permission checking and execution. Returning a non-nil
// error, or setting hc.Blocked, aborts the call.
type PreHook func(ctx context.Context, hc *HookContext) error

// PostHook runs after execution (success or failure) and may rewrite
// hc.Result before it is journaled and returned to the model.
type PostHook func(ctx context.Context, hc *HookContext) error

// HookChain runs an ordered list of pre/post hooks around tool dispatch.
type HookChain struct {
	pre  []PreHook
	post []PostHook
}

// NewHookChain builds a chain; nil slices are fine.
func NewHookChain(pre []PreHook, post []PostHook) *HookChain {
	return &HookChain{pre: pre, post: post}
}

// RunPre executes pre-hooks in registration order, stopping at the first one
// that errors or sets hc.Blocked.
func (c *HookChain) RunPre(ctx context.Context, hc *HookContext) error {
	if c == nil {
		return nil
	}
	for _, h := range c.pre {
		if err := h(ctx, hc); err != nil {
			return err
		}
		if hc.Blocked {
			return nil
		}
	}
	return nil
}

// RunPost executes post-hooks in registration order. Hook errors are
// returned but do not prevent later hooks from running, matching the
// "observability shouldn't break execution" stance hooks generally take.
func (c *HookChain) RunPost(ctx context.Context, hc *HookContext) error {
	if c == nil {
		return nil
	}
	var firstErr error
	for _, h := range c.post {
		if err := h(ctx, hc); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
