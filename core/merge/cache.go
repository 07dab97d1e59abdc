package merge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/go-git/go-git/v5/plumbing"
)

const (
	defaultNumCounters = 1e5
	defaultMaxCost     = 64 << 20
	defaultBufferItems = 64
	defaultConflictTTL = 120 * time.Second

	recordCost = 256
	entryCost  = 64
)

// CacheConfig configures the conflict cache.
type CacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	TTL         time.Duration
}

// CacheStats counts cache outcomes.
type CacheStats struct {
	Hits   int64
	Misses int64
	Sets   int64
}

// ConflictCache memoizes conflict lists keyed by the repository state they
// were computed from. Entries expire passively after the TTL; a hit is only
// possible for the exact (trunk head, draft tip) pair it was stored under.
type ConflictCache struct {
	cache *ristretto.Cache
	ttl   atomic.Int64

	mu      sync.Mutex
	byDraft map[string]map[string]struct{}
	closed  bool

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

// NewConflictCache creates a cache. A nil config uses defaults.
func NewConflictCache(config *CacheConfig) (*ConflictCache, error) {
	cfg := applyCacheDefaults(config)

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.NumCounters,
		MaxCost:            cfg.MaxCost,
		BufferItems:        cfg.BufferItems,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}

	c := &ConflictCache{
		cache:   cache,
		byDraft: make(map[string]map[string]struct{}),
	}
	c.ttl.Store(int64(cfg.TTL))
	return c, nil
}

func applyCacheDefaults(config *CacheConfig) *CacheConfig {
	cfg := &CacheConfig{
		NumCounters: defaultNumCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: defaultBufferItems,
		TTL:         defaultConflictTTL,
	}
	if config == nil {
		return cfg
	}
	if config.NumCounters > 0 {
		cfg.NumCounters = config.NumCounters
	}
	if config.MaxCost > 0 {
		cfg.MaxCost = config.MaxCost
	}
	if config.BufferItems > 0 {
		cfg.BufferItems = config.BufferItems
	}
	if config.TTL > 0 {
		cfg.TTL = config.TTL
	}
	return cfg
}

// =============================================================================
// Keys
// =============================================================================

func draftKey(trunk, tip plumbing.Hash) string {
	return "conflicts:" + trunk.String() + ":" + tip.String()
}

func scanKey(fingerprint string) string {
	return "scan:" + fingerprint
}

// =============================================================================
// Access
// =============================================================================

// Get returns the conflicts cached for a draft tip against a trunk head.
func (c *ConflictCache) Get(trunk, tip plumbing.Hash) ([]ConflictRecord, bool) {
	return c.get(draftKey(trunk, tip))
}

// Set stores the conflicts of a draft tip against a trunk head.
func (c *ConflictCache) Set(draftID string, trunk, tip plumbing.Hash, records []ConflictRecord) {
	key := draftKey(trunk, tip)
	if !c.set(key, records) {
		return
	}

	c.mu.Lock()
	keys, ok := c.byDraft[draftID]
	if !ok {
		keys = make(map[string]struct{})
		c.byDraft[draftID] = keys
	}
	for k := range keys {
		if _, live := c.cache.GetTTL(k); !live {
			delete(keys, k)
		}
	}
	keys[key] = struct{}{}
	c.mu.Unlock()
}

// indexed returns how many keys are tracked for a draft.
func (c *ConflictCache) indexed(draftID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byDraft[draftID])
}

// GetScan returns a cached repository-wide scan.
func (c *ConflictCache) GetScan(fingerprint string) ([]ConflictRecord, bool) {
	return c.get(scanKey(fingerprint))
}

// SetScan stores a repository-wide scan.
func (c *ConflictCache) SetScan(fingerprint string, records []ConflictRecord) {
	c.set(scanKey(fingerprint), records)
}

// InvalidateDraft drops every entry stored for a draft.
func (c *ConflictCache) InvalidateDraft(draftID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	keys := c.byDraft[draftID]
	delete(c.byDraft, draftID)
	c.mu.Unlock()

	for key := range keys {
		c.cache.Del(key)
	}
}

// Clear drops every entry.
func (c *ConflictCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.byDraft = make(map[string]map[string]struct{})
	c.cache.Clear()
}

// Stats returns a snapshot of the counters.
func (c *ConflictCache) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Sets:   c.sets.Load(),
	}
}

// TTL returns the entry lifetime.
func (c *ConflictCache) TTL() time.Duration { return time.Duration(c.ttl.Load()) }

// SetTTL changes the lifetime of entries stored from now on. Existing
// entries keep the lifetime they were stored with.
func (c *ConflictCache) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		c.ttl.Store(int64(ttl))
	}
}

// Close releases the cache.
func (c *ConflictCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.cache.Close()
}

func (c *ConflictCache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *ConflictCache) get(key string) ([]ConflictRecord, bool) {
	if c.isClosed() {
		return nil, false
	}

	value, found := c.cache.Get(key)
	if !found {
		c.misses.Add(1)
		return nil, false
	}

	records, ok := value.([]ConflictRecord)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return cloneRecords(records), true
}

func (c *ConflictCache) set(key string, records []ConflictRecord) bool {
	if c.isClosed() {
		return false
	}

	cost := int64(entryCost + recordCost*len(records))
	stored := c.cache.SetWithTTL(key, cloneRecords(records), cost, c.TTL())
	if stored {
		c.cache.Wait()
		c.sets.Add(1)
	}
	return stored
}

func cloneRecords(records []ConflictRecord) []ConflictRecord {
	out := make([]ConflictRecord, len(records))
	copy(out, records)
	return out
}
