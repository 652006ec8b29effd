// Package cache holds generated answers keyed by request fingerprint.
package cache

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// Value is a cached answer together with the provider that produced it.
type Value struct {
	Text         string      `json:"text"`
	Provider     string      `json:"provider"`
	Model        string      `json:"model"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        types.Usage `json:"usage"`
}

// Entry is a stored answer. Access statistics are updated atomically so that
// lookups only need the read lock.
type Entry struct {
	Fingerprint string
	Value       Value
	Category    types.Category
	Scope       string
	CreatedAt   time.Time
	ExpiresAt   time.Time

	hits       atomic.Int64
	lastAccess atomic.Int64 // unix nanos
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Hits returns how often the entry has been served.
func (e *Entry) Hits() int64 { return e.hits.Load() }

// LastAccess returns the time of the most recent Get or Put.
func (e *Entry) LastAccess() time.Time { return time.Unix(0, e.lastAccess.Load()) }

func (e *Entry) touch(now time.Time) {
	e.lastAccess.Store(now.UnixNano())
}

// Config controls cache sizing and per-category TTLs.
type Config struct {
	MaxSize int
	TTLs    map[types.Category]time.Duration
}

// Stats are cumulative cache counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// Cache is a size-bounded map of fingerprints to answers.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	maxSize int
	ttls    map[types.Category]time.Duration
	now     func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
}

// New creates a cache. Categories without a configured TTL use the default
// category's TTL, falling back to ten minutes.
func New(cfg Config) *Cache {
	ttls := make(map[types.Category]time.Duration, len(cfg.TTLs))
	for k, v := range cfg.TTLs {
		ttls[k] = v
	}
	return &Cache{
		entries: make(map[string]*Entry),
		maxSize: cfg.MaxSize,
		ttls:    ttls,
		now:     time.Now,
	}
}

// TTL returns the lifetime of entries in the given category.
func (c *Cache) TTL(category types.Category) time.Duration {
	if ttl, ok := c.ttls[category]; ok && ttl > 0 {
		return ttl
	}
	if ttl, ok := c.ttls[types.CategoryDefault]; ok && ttl > 0 {
		return ttl
	}
	return 10 * time.Minute
}

// Get returns a live entry's value. An expired entry is dropped on lookup.
func (c *Cache) Get(fingerprint string) (Value, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[fingerprint]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return Value{}, false
	}
	if e.expired(now) {
		c.mu.Lock()
		if cur, ok := c.entries[fingerprint]; ok && cur == e {
			delete(c.entries, fingerprint)
			c.expired.Add(1)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return Value{}, false
	}
	e.hits.Add(1)
	e.touch(now)
	c.hits.Add(1)
	return e.Value, true
}

// Put stores v, replacing any existing entry for the fingerprint.
func (c *Cache) Put(fingerprint string, v Value, category types.Category, scope string) {
	if category == "" {
		category = types.CategoryDefault
	}
	now := c.now()
	e := &Entry{
		Fingerprint: fingerprint,
		Value:       v,
		Category:    category,
		Scope:       scope,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.TTL(category)),
	}
	e.touch(now)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = e
	if c.maxSize > 0 && len(c.entries) > c.maxSize {
		c.evictLocked()
	}
}

// evictLocked drops the least-recently-accessed tenth of the entries,
// regardless of TTL.
func (c *Cache) evictLocked() {
	all := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].lastAccess.Load() < all[j].lastAccess.Load()
	})

	n := (len(all) + 9) / 10
	for _, e := range all[:n] {
		delete(c.entries, e.Fingerprint)
	}
	c.evictions.Add(int64(n))
	slog.Debug("cache evicted entries", "count", n, "remaining", len(c.entries))
}

// Invalidate removes entries whose scope matches the glob pattern (see
// path.Match). "*" matches every scope, including the empty one.
func (c *Cache) Invalidate(pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, err
	}
	return c.removeWhere(func(e *Entry) bool {
		if pattern == "*" {
			return true
		}
		ok, _ := path.Match(pattern, e.Scope)
		return ok
	}), nil
}

// InvalidateCategory removes every entry of the category.
func (c *Cache) InvalidateCategory(category types.Category) int {
	return c.removeWhere(func(e *Entry) bool { return e.Category == category })
}

// Sweep removes expired entries and reports how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()
	n := c.removeWhere(func(e *Entry) bool { return e.expired(now) })
	c.expired.Add(int64(n))
	return n
}

func (c *Cache) removeWhere(match func(*Entry) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for fp, e := range c.entries {
		if match(e) {
			delete(c.entries, fp)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
	}
}

// Snapshot is the persisted form of an entry.
type Snapshot struct {
	Fingerprint string
	Value       Value
	Category    types.Category
	Scope       string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Hits        int64
}

// Store persists snapshots across restarts.
type Store interface {
	Save(ctx context.Context, entries []Snapshot) error
	Load(ctx context.Context) ([]Snapshot, error)
}

// Snapshot returns every live entry.
func (c *Cache) Snapshot() []Snapshot {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Snapshot, 0, len(c.entries))
	for _, e := range c.entries {
		if e.expired(now) {
			continue
		}
		out = append(out, Snapshot{
			Fingerprint: e.Fingerprint,
			Value:       e.Value,
			Category:    e.Category,
			Scope:       e.Scope,
			CreatedAt:   e.CreatedAt,
			ExpiresAt:   e.ExpiresAt,
			Hits:        e.hits.Load(),
		})
	}
	return out
}

// Restore loads snapshots that have not expired, keeping their original
// expiry. Existing entries for the same fingerprint win.
func (c *Cache) Restore(snaps []Snapshot) int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, s := range snaps {
		if !now.Before(s.ExpiresAt) {
			continue
		}
		if _, ok := c.entries[s.Fingerprint]; ok {
			continue
		}
		e := &Entry{
			Fingerprint: s.Fingerprint,
			Value:       s.Value,
			Category:    s.Category,
			Scope:       s.Scope,
			CreatedAt:   s.CreatedAt,
			ExpiresAt:   s.ExpiresAt,
		}
		e.hits.Store(s.Hits)
		e.touch(s.CreatedAt)
		c.entries[s.Fingerprint] = e
		n++
	}
	if c.maxSize > 0 && len(c.entries) > c.maxSize {
		c.evictLocked()
	}
	return n
}

// SaveTo writes a snapshot of live entries to store.
func (c *Cache) SaveTo(ctx context.Context, store Store) (int, error) {
	snaps := c.Snapshot()
	if err := store.Save(ctx, snaps); err != nil {
		return 0, err
	}
	return len(snaps), nil
}

// LoadFrom restores live entries from store.
func (c *Cache) LoadFrom(ctx context.Context, store Store) (int, error) {
	snaps, err := store.Load(ctx)
	if err != nil {
		return 0, err
	}
	return c.Restore(snaps), nil
}
