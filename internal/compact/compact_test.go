package compact

import (
	"context"
	"testing"

	"github.com/sagerun/sage/internal/llm"
	"github.com/sagerun/sage/pkg/models"
)

type fakeSummarizer struct {
	content string
	err     error
	calls   int
}

func (f *fakeSummarizer) Chat(ctx context.Context, messages []models.LlmMessage, tools []llm.ToolSchema) (*models.LlmResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.LlmResponse{Content: f.content}, nil
}

func longMessages(n int) []models.LlmMessage {
	msgs := make([]models.LlmMessage, n)
	for i := range msgs {
		msgs[i] = models.LlmMessage{Role: models.RoleUser, Content: "this is a reasonably long message used to pad out the token estimate for testing purposes"}
	}
	return msgs
}

func TestManager_ShouldCompact_BelowHighWaterDoesNotTrigger(t *testing.T) {
	m := NewManager(Config{MaxTokens: 1000000, HighWater: 0.8, RetainTail: 20}, &fakeSummarizer{content: "summary"})
	if m.ShouldCompact(longMessages(5)) {
		t.Fatal("expected no compaction trigger for a tiny conversation")
	}
}

func TestManager_ShouldCompact_AboveHighWaterTriggers(t *testing.T) {
	m := NewManager(Config{MaxTokens: 100, HighWater: 0.8, RetainTail: 1}, &fakeSummarizer{content: "summary"})
	if !m.ShouldCompact(longMessages(50)) {
		t.Fatal("expected compaction trigger once estimated tokens cross the high-water mark")
	}
}

func TestManager_Compact_ProducesPrefixBoundarySummaryTail(t *testing.T) {
	sum := &fakeSummarizer{content: "the user asked for X, we did Y"}
	m := NewManager(Config{MaxTokens: 100, HighWater: 0.8, RetainTail: 2}, sum)

	msgs := longMessages(10)
	out, result, err := m.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected a non-nil compaction result")
	}
	if sum.calls != 1 {
		t.Fatalf("expected exactly one summarizer call, got %d", sum.calls)
	}

	// prefix(0) ++ boundary ++ summary ++ tail(2) == 4 messages.
	if len(out) != 4 {
		t.Fatalf("expected 4 messages after compaction, got %d", len(out))
	}
	if out[0].Role != models.RoleSystem || out[0].Metadata[models.CompactBoundaryMetaKey] == nil {
		t.Fatalf("expected a boundary marker at index 0, got %+v", out[0])
	}
	if out[1].Content != sum.content {
		t.Fatalf("expected the summary message to carry the synthesized content, got %q", out[1].Content)
	}
	if out[2].Content != msgs[8].Content || out[3].Content != msgs[9].Content {
		t.Fatal("expected the last RetainTail messages to survive verbatim")
	}
	if result.MessagesBefore != 10 || result.MessagesAfter != 4 {
		t.Fatalf("unexpected before/after counts: %+v", result)
	}
}

func TestManager_Compact_IdempotentWithinAStep(t *testing.T) {
	sum := &fakeSummarizer{content: "summary"}
	m := NewManager(Config{MaxTokens: 100, HighWater: 0.8, RetainTail: 2}, sum)

	msgs := longMessages(10)
	out1, result1, err := m.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Re-running Compact against the exact same input (same boundary index
	// and message count) must be a no-op: same step, already compacted.
	out2, result2, err := m.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result2 != nil {
		t.Fatal("expected the second call for the same step to return a nil result")
	}
	if len(out2) != len(msgs) {
		t.Fatal("expected the second call to return the input unchanged")
	}
	if sum.calls != 1 {
		t.Fatalf("expected the summarizer to be called exactly once across both calls, got %d", sum.calls)
	}
	_ = out1
	_ = result1
}

func TestManager_Compact_SecondPassLeavesPriorBoundaryUntouched(t *testing.T) {
	sum := &fakeSummarizer{content: "first summary"}
	m := NewManager(Config{MaxTokens: 100, HighWater: 0.8, RetainTail: 2}, sum)

	first, _, err := m.Compact(context.Background(), longMessages(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Grow the conversation past the existing boundary and compact again.
	grown := append(append([]models.LlmMessage{}, first...), longMessages(10)...)
	sum.content = "second summary"
	second, result, err := m.Compact(context.Background(), grown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected a second compaction result")
	}
	// The first boundary (index 0 of `first`) is before the new compaction
	// point and must survive untouched as the new prefix; everything after
	// it, including the old summary, is fair game for the new pass.
	if second[0].Content != first[0].Content {
		t.Fatal("expected the prior boundary to remain in the prefix")
	}
	if result.CompactID == first[0].Metadata[models.CompactBoundaryMetaKey] {
		t.Fatal("expected a new, distinct compact_id for the second pass")
	}
}

func TestManager_Compact_TooShortConversationIsNoop(t *testing.T) {
	sum := &fakeSummarizer{content: "summary"}
	m := NewManager(Config{MaxTokens: 100, HighWater: 0.8, RetainTail: 20}, sum)

	msgs := longMessages(5)
	out, result, err := m.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatal("expected no compaction result when RetainTail exceeds the message count")
	}
	if len(out) != len(msgs) {
		t.Fatal("expected the input to be returned unchanged")
	}
	if sum.calls != 0 {
		t.Fatal("expected the summarizer not to be called")
	}
}

func TestManager_Stats_AccumulateAcrossPasses(t *testing.T) {
	sum := &fakeSummarizer{content: "summary"}
	m := NewManager(Config{MaxTokens: 100, HighWater: 0.8, RetainTail: 2}, sum)

	if _, _, err := m.Compact(context.Background(), longMessages(10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stats := m.Stats()
	if stats.TotalCompactions != 1 {
		t.Fatalf("expected 1 total compaction, got %d", stats.TotalCompactions)
	}
	if stats.MessagesCompacted == 0 {
		t.Fatal("expected a nonzero messages-compacted count")
	}
	if stats.LastCompactID == "" {
		t.Fatal("expected LastCompactID to be set")
	}
}

func TestManager_Compact_SummarizerErrorPropagates(t *testing.T) {
	sum := &fakeSummarizer{err: errBoom{}}
	m := NewManager(Config{MaxTokens: 100, HighWater: 0.8, RetainTail: 2}, sum)

	_, _, err := m.Compact(context.Background(), longMessages(10))
	if err == nil {
		t.Fatal("expected the summarizer's error to propagate")
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
