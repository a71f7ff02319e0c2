package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/iago/inbox-triage-back/internal/domain"
)

type Entry struct {
	Result        domain.ExtractionResult
	ModelID       string
	PromptVersion string
	CreatedAt     time.Time
}

type Config struct {
	TTL        time.Duration
	MaxEntries int
}

// ExtractionCache remembers extraction results by prompt signature so an
// unchanged message is not sent to the model twice.
type ExtractionCache struct {
	entries *expirable.LRU[string, Entry]
}

func NewExtractionCache(config Config) *ExtractionCache {
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 2000
	}
	return &ExtractionCache{
		entries: expirable.NewLRU[string, Entry](config.MaxEntries, nil, config.TTL),
	}
}

func (c *ExtractionCache) Get(signature string) (Entry, bool) {
	entry, ok := c.entries.Get(signature)
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(entry), true
}

func (c *ExtractionCache) Set(signature string, entry Entry) {
	entry.CreatedAt = time.Now().UTC()
	c.entries.Add(signature, cloneEntry(entry))
}

func (c *ExtractionCache) Len() int {
	return c.entries.Len()
}

func (c *ExtractionCache) BuildSignature(parts ...string) string {
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		normalized = append(normalized, strings.TrimSpace(part))
	}
	joined := strings.Join(normalized, "||")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

func cloneEntry(entry Entry) Entry {
	clone := entry
	clone.Result.Todos = append([]domain.Todo(nil), entry.Result.Todos...)
	clone.Result.Events = append([]domain.Event(nil), entry.Result.Events...)
	return clone
}
