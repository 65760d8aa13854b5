package llm

import (
	"testing"
	"time"

	"github.com/sagerun/sage/pkg/models"
)

func TestConversationCache_StoreAndLookup(t *testing.T) {
	c := NewConversationCache()
	key := HashPrefix([]models.LlmMessage{{Role: models.RoleSystem, Content: "you are a helpful agent"}})

	if _, ok := c.Lookup(key); ok {
		t.Fatal("expected miss before store")
	}

	c.Store(key, 1, 42, LongCacheTTLSeconds)

	cp, ok := c.Lookup(key)
	if !ok {
		t.Fatal("expected hit after store")
	}
	if cp.PrefixHash != key {
		t.Errorf("PrefixHash = %q, want %q", cp.PrefixHash, key)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit and 1 miss", stats)
	}
}

func TestConversationCache_ExpiredEntryIsEvictedOnLookup(t *testing.T) {
	c := NewConversationCache()
	key := "k"
	c.Store(key, 1, 1, 0) // TTL of zero seconds expires immediately

	time.Sleep(time.Millisecond)

	if _, ok := c.Lookup(key); ok {
		t.Error("expected expired entry to miss")
	}
	if stats := c.Stats(); stats.ActiveCheckpoints != 0 {
		t.Errorf("ActiveCheckpoints = %d, want 0 after eviction", stats.ActiveCheckpoints)
	}
}

func TestConversationCache_HashPrefixStable(t *testing.T) {
	msgs := []models.LlmMessage{
		{Role: models.RoleSystem, Content: "system prompt"},
		{Role: models.RoleUser, Content: "hello"},
	}
	a := HashPrefix(msgs)
	b := HashPrefix(msgs)
	if a != b {
		t.Error("HashPrefix should be deterministic for identical input")
	}

	msgs[1].Content = "goodbye"
	if c := HashPrefix(msgs); c == a {
		t.Error("HashPrefix should change when content changes")
	}
}

func TestConversationCache_EvictRemovesOnlyExpired(t *testing.T) {
	c := NewConversationCache()
	c.Store("fresh", 1, 1, LongCacheTTLSeconds)
	c.Store("stale", 1, 1, 0)
	time.Sleep(time.Millisecond)

	removed := c.Evict()
	if removed != 1 {
		t.Errorf("Evict removed %d, want 1", removed)
	}
	if _, ok := c.Lookup("fresh"); !ok {
		t.Error("fresh entry should survive Evict")
	}
}
