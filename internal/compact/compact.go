// Package compact implements the Context Manager (C6): it watches cumulative
// token usage against a configured budget and, once a high-water mark is
// crossed, folds the oldest compactable messages into a single LLM-generated
// summary so the conversation can keep growing without overflowing the
// model's context window.
//
// The output of a compaction pass always has the shape:
//
//	prefix ++ [boundary] ++ [summary] ++ to_keep
//
// where prefix is everything before the last existing boundary (left
// untouched — it has already been compacted once and is not reopened),
// boundary is a system-role marker message stamping this pass's compact_id
// and timestamp, summary is the synthesized replacement for the messages
// between the old and new boundary, and to_keep is the most recent
// RetainTail messages, kept verbatim so the model retains fresh detail.
package compact

import (
	"context"
	"fmt"
	"sync"
	"time"

	sagecontext "github.com/sagerun/sage/internal/context"
	"github.com/sagerun/sage/internal/llm"
	"github.com/sagerun/sage/pkg/models"
)

// Config tunes when and how the Manager compacts.
type Config struct {
	// MaxTokens is the model's usable context window. Compaction triggers
	// once cumulative usage crosses HighWater * MaxTokens.
	MaxTokens int

	// HighWater is the fraction of MaxTokens that triggers compaction.
	// Defaults to 0.8 (80%), matching the spec's documented threshold.
	HighWater float64

	// RetainTail is the number of most-recent messages kept verbatim
	// (never summarized). Defaults to 20.
	RetainTail int

	// SummaryModel, if set, is passed through as a hint in the summary
	// system prompt; the orchestrator itself decides which model actually
	// serves the call.
	SummaryModel string
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:  sagecontext.DefaultContextWindow,
		HighWater:  0.8,
		RetainTail: 20,
	}
}

func (c Config) normalized() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = sagecontext.DefaultContextWindow
	}
	if c.HighWater <= 0 {
		c.HighWater = 0.8
	}
	if c.RetainTail <= 0 {
		c.RetainTail = 20
	}
	return c
}

func (c Config) triggerTokens() int {
	return int(float64(c.MaxTokens) * c.HighWater)
}

// Summarizer is the seam the Manager uses to synthesize a compaction
// summary. In production this is an internal/llm.Orchestrator making an
// out-of-band call through the same C3 safety rails (rate limiting, circuit
// breaking, retry) as the main conversation; tests can supply a fake.
type Summarizer interface {
	Chat(ctx context.Context, messages []models.LlmMessage, tools []llm.ToolSchema) (*models.LlmResponse, error)
}

// Manager is the Context Manager (C6).
type Manager struct {
	cfg        Config
	summarizer Summarizer

	mu          sync.Mutex
	stats       models.CompactionStats
	compactedAt map[string]bool // compact_id already produced this step, for the idempotency guard
	counter     int
}

// NewManager constructs a Manager. summarizer may be nil only if the caller
// never lets EstimatedTokens cross the high-water mark (e.g. tests that
// exercise partitioning in isolation).
func NewManager(cfg Config, summarizer Summarizer) *Manager {
	return &Manager{
		cfg:         cfg.normalized(),
		summarizer:  summarizer,
		compactedAt: make(map[string]bool),
	}
}

// Stats returns a snapshot of lifetime compaction statistics.
func (m *Manager) Stats() models.CompactionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// EstimatedTokens sums a rough per-message token estimate across messages,
// reusing the Window package's heuristic estimator rather than re-deriving
// one.
func EstimatedTokens(messages []models.LlmMessage) int {
	total := 0
	for _, msg := range messages {
		total += sagecontext.EstimateTokens(msg.Content)
		for _, tc := range msg.ToolCalls {
			total += sagecontext.EstimateTokens(string(tc.Input))
		}
	}
	return total
}

// ShouldCompact reports whether messages' estimated token usage has crossed
// the configured high-water mark.
func (m *Manager) ShouldCompact(messages []models.LlmMessage) bool {
	return EstimatedTokens(messages) >= m.cfg.triggerTokens()
}

// findLastCompactBoundaryIndex returns the index of the most recent boundary
// marker message (a system-role message carrying CompactBoundaryMetaKey in
// its Metadata), or -1 if the conversation has never been compacted.
func findLastCompactBoundaryIndex(messages []models.LlmMessage) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != models.RoleSystem {
			continue
		}
		if messages[i].Metadata == nil {
			continue
		}
		if _, ok := messages[i].Metadata[models.CompactBoundaryMetaKey]; ok {
			return i
		}
	}
	return -1
}

// stepKey identifies "this step" for the idempotency guard: a conversation
// is only ever compacted once per distinct message-count/boundary-index
// pair, so a caller that accidentally invokes Compact twice for the same
// step (e.g. once per tool call in a multi-tool turn) gets the same result
// back instead of double-compacting.
func stepKey(messages []models.LlmMessage, boundaryIdx int) string {
	return fmt.Sprintf("%d:%d", boundaryIdx, len(messages))
}

// Compact runs one compaction pass. It partitions messages into
// {prefix, to_compact, to_keep}, synthesizes a summary for to_compact via
// the configured Summarizer, and returns the new message list plus a
// CompactOperationResult describing the pass. If the conversation is too
// short to produce a non-empty to_compact segment, Compact returns the
// input unchanged with a nil result.
func (m *Manager) Compact(ctx context.Context, messages []models.LlmMessage) ([]models.LlmMessage, *models.CompactOperationResult, error) {
	boundaryIdx := findLastCompactBoundaryIndex(messages)
	key := stepKey(messages, boundaryIdx)

	m.mu.Lock()
	if m.compactedAt[key] {
		m.mu.Unlock()
		return messages, nil, nil
	}
	m.mu.Unlock()

	compactableStart := boundaryIdx + 1
	retainTail := m.cfg.RetainTail
	keepStart := len(messages) - retainTail
	if keepStart < compactableStart {
		// Not enough messages past the last boundary to form a non-empty
		// to_compact segment; nothing to do.
		return messages, nil, nil
	}

	prefix := messages[:compactableStart]
	toCompact := messages[compactableStart:keepStart]
	toKeep := messages[keepStart:]
	if len(toCompact) == 0 {
		return messages, nil, nil
	}

	tokensBefore := EstimatedTokens(messages)

	summary, err := m.synthesizeSummary(ctx, toCompact)
	if err != nil {
		return nil, nil, fmt.Errorf("compact: summarize: %w", err)
	}

	m.mu.Lock()
	m.counter++
	compactID := fmt.Sprintf("compact-%d", m.counter)
	m.mu.Unlock()

	boundary := models.LlmMessage{
		Role:    models.RoleSystem,
		Content: fmt.Sprintf("[conversation compacted: %s]", compactID),
		Metadata: map[string]any{
			models.CompactBoundaryMetaKey: compactID,
			models.CompactBoundaryTSKey:   time.Now().UTC().Format(time.RFC3339),
		},
	}
	summaryMsg := models.LlmMessage{
		Role:    models.RoleAssistant,
		Content: summary,
		Name:    "context_summary",
	}

	out := make([]models.LlmMessage, 0, len(prefix)+2+len(toKeep))
	out = append(out, prefix...)
	out = append(out, boundary, summaryMsg)
	out = append(out, toKeep...)

	tokensAfter := EstimatedTokens(out)

	result := &models.CompactOperationResult{
		CompactID:      compactID,
		TokensBefore:   tokensBefore,
		TokensAfter:    tokensAfter,
		MessagesBefore: len(messages),
		MessagesAfter:  len(out),
		Boundary:       boundary,
		Summary:        summaryMsg,
		Tail:           toKeep,
		Timestamp:      time.Now().UTC(),
	}

	m.mu.Lock()
	m.compactedAt[key] = true
	m.stats.TotalCompactions++
	if tokensBefore > tokensAfter {
		m.stats.TokensSaved += int64(tokensBefore - tokensAfter)
	}
	m.stats.MessagesCompacted += int64(len(toCompact))
	m.stats.LastCompactID = compactID
	m.mu.Unlock()

	return out, result, nil
}

const summaryInstruction = "Summarize the conversation below for continuity. Preserve decisions made, " +
	"file paths touched, open questions, and anything a continuation would need. Be concise."

func (m *Manager) synthesizeSummary(ctx context.Context, toCompact []models.LlmMessage) (string, error) {
	if m.summarizer == nil {
		return "", fmt.Errorf("no summarizer configured")
	}

	var transcript string
	for _, msg := range toCompact {
		transcript += fmt.Sprintf("%s: %s\n", msg.Role, msg.Content)
	}

	req := []models.LlmMessage{
		{Role: models.RoleSystem, Content: summaryInstruction},
		{Role: models.RoleUser, Content: transcript},
	}

	resp, err := m.summarizer.Chat(ctx, req, nil)
	if err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", fmt.Errorf("summarizer returned empty content")
	}
	return resp.Content, nil
}
