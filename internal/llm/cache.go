package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/sagerun/sage/pkg/models"
)

// Default cache checkpoint TTLs, matching the two-tier scheme this corpus
// uses for prompt caching: a short-lived tier for the volatile tail of a
// conversation and a long-lived tier for stable system/tool prefixes.
const (
	ShortCacheTTLSeconds = int64(300)
	LongCacheTTLSeconds  = int64(3600)
)

// cacheEntry pairs a stored checkpoint with the TTL it was created under,
// since models.CacheCheckpoint itself is TTL-agnostic.
type cacheEntry struct {
	checkpoint models.CacheCheckpoint
	ttlSeconds int64
}

// ConversationCache tracks prompt-cache checkpoints per conversation prefix
// hash so repeated calls against an unchanged prefix can reuse a provider's
// server-side cache instead of re-submitting it.
type ConversationCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	stats   models.ConversationCacheStats
}

// NewConversationCache returns an empty cache.
func NewConversationCache() *ConversationCache {
	return &ConversationCache{entries: make(map[string]*cacheEntry)}
}

// HashPrefix derives a stable checkpoint key from the serialized content of
// the messages that make up a cacheable prefix.
func HashPrefix(messages []models.LlmMessage) string {
	h := sha256.New()
	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the checkpoint for prefixHash if present and not expired,
// touching its access time and recording a hit. A miss (absent or expired)
// is recorded and nil is returned.
func (c *ConversationCache) Lookup(prefixHash string) (*models.CacheCheckpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[prefixHash]
	if !ok || e.checkpoint.IsExpired(e.ttlSeconds) {
		c.stats.Misses++
		if ok {
			delete(c.entries, prefixHash)
			c.stats.ActiveCheckpoints--
		}
		return nil, false
	}
	e.checkpoint.Touch()
	c.stats.Hits++
	cp := e.checkpoint
	return &cp, true
}

// Store records a new checkpoint for prefixHash with the given TTL,
// replacing any existing entry.
func (c *ConversationCache) Store(prefixHash string, messageCount, tokenCount int, ttlSeconds int64) *models.CacheCheckpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, existed := c.entries[prefixHash]; !existed {
		c.stats.ActiveCheckpoints++
	}
	e := &cacheEntry{
		checkpoint: models.CacheCheckpoint{
			PrefixHash:   prefixHash,
			MessageCount: messageCount,
			TokenCount:   tokenCount,
			CreatedAt:    now,
			LastAccessed: now,
		},
		ttlSeconds: ttlSeconds,
	}
	c.entries[prefixHash] = e
	cp := e.checkpoint
	return &cp
}

// RecordTokensSaved adds n to the cumulative tokens-saved counter, called
// when a lookup hit avoids resubmitting a cached prefix.
func (c *ConversationCache) RecordTokensSaved(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TokensSaved += n
}

// Evict removes expired checkpoints and returns the number removed.
func (c *ConversationCache) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.checkpoint.IsExpired(e.ttlSeconds) {
			delete(c.entries, key)
			c.stats.ActiveCheckpoints--
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of cache hit/miss/store counters.
func (c *ConversationCache) Stats() models.ConversationCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
