package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	dedupSize = 100
	dedupTTL  = time.Hour
)

// Fingerprint canonically serializes job options for deduplication. Map
// keys are sorted by the encoder, so equal options yield equal strings.
func Fingerprint(options any) (string, error) {
	raw, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("fingerprint options: %w", err)
	}
	return string(raw), nil
}

// DedupCache maps option fingerprints to recent task ids. Entries expire
// after an hour; a hit is only honored while the engine still knows the
// task, so sweeps cannot leak dangling ids.
type DedupCache struct {
	engine *Engine
	lru    *expirable.LRU[string, string]
}

// NewDedupCache builds the bounded, TTL-aware cache for one engine.
func NewDedupCache(engine *Engine) *DedupCache {
	return &DedupCache{
		engine: engine,
		lru:    expirable.NewLRU[string, string](dedupSize, nil, dedupTTL),
	}
}

// Lookup returns the live task previously spawned for fingerprint.
func (c *DedupCache) Lookup(fingerprint string) (*Task, bool) {
	id, ok := c.lru.Get(fingerprint)
	if !ok {
		return nil, false
	}
	task := c.engine.lookup(id)
	if task == nil || task.Expired(c.engine.now()) {
		c.lru.Remove(fingerprint)
		return nil, false
	}
	return task, true
}

// Remember associates fingerprint with the freshly spawned task.
func (c *DedupCache) Remember(fingerprint string, task *Task) {
	c.lru.Add(fingerprint, task.ID())
}
