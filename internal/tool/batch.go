package tool

import (
	"context"
	"sync"

	"github.com/sagerun/sage/pkg/models"
)

// ExecuteBatch dispatches every call concurrently (each still individually
// gated by its own tool's ConcurrencyMode) and returns results in the same
// order as calls, regardless of completion order — the reorder buffer the
// spec requires for multi-call LLM turns.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	var wg sync.WaitGroup
	wg.Add(len(calls))
	for i, call := range calls {
		i, call := i, call
		go func() {
			defer wg.Done()
			results[i] = e.Execute(ctx, call)
		}()
	}
	wg.Wait()
	return results
}
