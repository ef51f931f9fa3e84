// Package cache implements the two-tier result cache used by derived
// analytics. The in-memory tier answers most reads and expires quickly; the
// durable tier lives in the local store under a single schema-versioned blob
// key and survives restarts. All durable writes are serialized behind a
// completion-token mutex so interleaved read-modify-write cycles cannot lose
// updates.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ledgerkeep/ledgerkeep/internal/audit"
	"github.com/ledgerkeep/ledgerkeep/internal/logging"
	"github.com/ledgerkeep/ledgerkeep/internal/store"
)

// SchemaVersion marks durable entries written by this build. A mismatch is
// treated identically to absence.
const SchemaVersion = "2"

// durableKey is the single blob key holding the whole durable tier.
const durableKey = "cache_results"

const (
	defaultMemTTL     = 5 * time.Minute
	defaultDurableTTL = 24 * time.Hour
	defaultMaxEntries = 100
	defaultEvictBatch = 20
)

// Options tunes the cache; zero values select the defaults above.
type Options struct {
	MemTTL     time.Duration
	DurableTTL time.Duration
	MaxEntries int
	EvictBatch int
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Invalidations int64   `json:"invalidations"`
	Evictions     int64   `json:"evictions"`
	Size          int     `json:"size"`
	HitRate       float64 `json:"hitRate"`
}

type memEntry struct {
	data      any
	writtenAt time.Time
}

type durableEntry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
}

type durableBlob struct {
	Version string                  `json:"version"`
	Entries map[string]durableEntry `json:"entries"`
}

// Cache owns its entries exclusively; callers never mutate cached values in
// place.
type Cache struct {
	kv   store.KV
	log  logging.Logger
	sink audit.Sink
	opts Options

	durMu *tokenMutex

	memMu sync.RWMutex
	mem   map[string]memEntry

	statsMu       sync.Mutex
	hits          int64
	misses        int64
	invalidations int64
	evictions     int64

	now func() time.Time // test seam
}

// New constructs a cache over the given local store.
func New(kv store.KV, log logging.Logger, sink audit.Sink, opts Options) *Cache {
	if opts.MemTTL <= 0 {
		opts.MemTTL = defaultMemTTL
	}
	if opts.DurableTTL <= 0 {
		opts.DurableTTL = defaultDurableTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.EvictBatch <= 0 {
		opts.EvictBatch = defaultEvictBatch
	}
	return &Cache{
		kv:    kv,
		log:   log.With("component", "cache"),
		sink:  sink,
		opts:  opts,
		durMu: newTokenMutex(),
		mem:   make(map[string]memEntry),
		now:   time.Now,
	}
}

// Get returns the cached value for key. The in-memory tier is consulted
// first; on a miss the durable tier may answer, in which case the value is
// promoted back into memory. Every call counts as exactly one hit or miss.
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	now := c.now()

	c.memMu.RLock()
	entry, ok := c.mem[key]
	c.memMu.RUnlock()
	if ok && now.Sub(entry.writtenAt) < c.opts.MemTTL {
		c.hit()
		return entry.data, true
	}

	blob, err := c.readBlob(ctx)
	if err == nil {
		if dur, ok := blob.Entries[key]; ok {
			age := now.Sub(time.UnixMilli(dur.Timestamp))
			if age < c.opts.DurableTTL {
				var data any
				if err := json.Unmarshal(dur.Data, &data); err == nil {
					c.memMu.Lock()
					c.mem[key] = memEntry{data: data, writtenAt: now}
					c.memMu.Unlock()
					c.hit()
					return data, true
				}
			}
		}
	}

	c.miss()
	return nil, false
}

// Set writes the value through to both tiers. A durable-tier failure is a
// warning, not an error: the value stays served from memory.
func (c *Cache) Set(ctx context.Context, key string, data any) {
	now := c.now()

	c.memMu.Lock()
	c.mem[key] = memEntry{data: data, writtenAt: now}
	overflow := len(c.mem) > c.opts.MaxEntries
	c.memMu.Unlock()

	raw, err := json.Marshal(data)
	if err != nil {
		c.log.Warn(ctx, "cache value not serializable, kept in memory only", "key", key, "error", err)
	} else if err := c.writeDurable(ctx, key, raw, now); err != nil {
		c.log.Warn(ctx, "durable cache write failed", "key", key, "error", err)
	}

	if overflow {
		c.CleanupOldest(ctx, c.opts.EvictBatch)
	}
}

func (c *Cache) writeDurable(ctx context.Context, key string, raw json.RawMessage, now time.Time) error {
	if err := c.durMu.Lock(ctx); err != nil {
		return err
	}
	defer c.durMu.Unlock()

	blob, err := c.readBlob(ctx)
	if err != nil {
		blob = &durableBlob{Version: SchemaVersion, Entries: map[string]durableEntry{}}
	}
	blob.Entries[key] = durableEntry{Data: raw, Timestamp: now.UnixMilli()}
	return c.writeBlob(ctx, blob)
}

// Invalidate removes every key containing pattern from both tiers. The
// invalidation counter increments exactly once per call.
func (c *Cache) Invalidate(ctx context.Context, pattern string) {
	c.memMu.Lock()
	for k := range c.mem {
		if strings.Contains(k, pattern) {
			delete(c.mem, k)
		}
	}
	c.memMu.Unlock()

	if err := c.durMu.Lock(ctx); err == nil {
		if blob, err := c.readBlob(ctx); err == nil {
			changed := false
			for k := range blob.Entries {
				if strings.Contains(k, pattern) {
					delete(blob.Entries, k)
					changed = true
				}
			}
			if changed {
				if err := c.writeBlob(ctx, blob); err != nil {
					c.log.Warn(ctx, "durable cache invalidation failed", "pattern", pattern, "error", err)
				}
			}
		}
		c.durMu.Unlock()
	}

	c.statsMu.Lock()
	c.invalidations++
	c.statsMu.Unlock()

	c.sink.Log("cache.invalidate", map[string]any{"pattern": pattern}, "", audit.SeverityLow)
}

// Clear removes all entries from both tiers.
func (c *Cache) Clear(ctx context.Context) {
	c.clear(ctx, false)
}

// ClearAll removes all entries and forcibly drops the durable blob even when
// it is corrupt. Intended for tests and resets.
func (c *Cache) ClearAll(ctx context.Context) {
	c.clear(ctx, true)
}

func (c *Cache) clear(ctx context.Context, force bool) {
	c.memMu.Lock()
	c.mem = make(map[string]memEntry)
	c.memMu.Unlock()

	if err := c.durMu.Lock(ctx); err == nil {
		if force {
			if err := c.kv.Remove(ctx, durableKey); err != nil {
				c.log.Warn(ctx, "durable cache removal failed", "error", err)
			}
		} else {
			empty := &durableBlob{Version: SchemaVersion, Entries: map[string]durableEntry{}}
			if err := c.writeBlob(ctx, empty); err != nil {
				c.log.Warn(ctx, "durable cache clear failed", "error", err)
			}
		}
		c.durMu.Unlock()
	}

	c.statsMu.Lock()
	c.invalidations++
	c.statsMu.Unlock()

	c.sink.Log("cache.clear", map[string]any{"force": force}, "", audit.SeverityLow)
}

// CleanupOldest evicts the n entries with the oldest last-write timestamps
// from both tiers.
func (c *Cache) CleanupOldest(ctx context.Context, n int) {
	if n <= 0 {
		return
	}

	if err := c.durMu.Lock(ctx); err != nil {
		return
	}
	defer c.durMu.Unlock()

	blob, blobErr := c.readBlob(ctx)

	type aged struct {
		key       string
		writtenAt int64
	}

	c.memMu.Lock()
	ranking := make([]aged, 0, len(c.mem))
	seen := make(map[string]struct{}, len(c.mem))
	for k, e := range c.mem {
		ranking = append(ranking, aged{key: k, writtenAt: e.writtenAt.UnixMilli()})
		seen[k] = struct{}{}
	}
	if blobErr == nil {
		for k, e := range blob.Entries {
			if _, ok := seen[k]; !ok {
				ranking = append(ranking, aged{key: k, writtenAt: e.Timestamp})
			}
		}
	}
	sort.Slice(ranking, func(i, j int) bool { return ranking[i].writtenAt < ranking[j].writtenAt })
	if n > len(ranking) {
		n = len(ranking)
	}
	evicted := ranking[:n]
	for _, e := range evicted {
		delete(c.mem, e.key)
	}
	c.memMu.Unlock()

	if blobErr == nil && len(evicted) > 0 {
		for _, e := range evicted {
			delete(blob.Entries, e.key)
		}
		if err := c.writeBlob(ctx, blob); err != nil {
			c.log.Warn(ctx, "durable cache eviction failed", "error", err)
		}
	}

	c.statsMu.Lock()
	c.evictions += int64(len(evicted))
	c.statsMu.Unlock()
}

// GetStats returns a snapshot of the cache counters. The hit rate is defined
// as 0 when no accesses have occurred.
func (c *Cache) GetStats() Stats {
	c.memMu.RLock()
	size := len(c.mem)
	c.memMu.RUnlock()

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s := Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Invalidations: c.invalidations,
		Evictions:     c.evictions,
		Size:          size,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *Cache) hit() {
	c.statsMu.Lock()
	c.hits++
	c.statsMu.Unlock()
}

func (c *Cache) miss() {
	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
}

// readBlob fetches and decodes the durable tier. It performs no writes, so it
// may be called with or without the token held; a schema-version mismatch is
// reported as absence.
func (c *Cache) readBlob(ctx context.Context) (*durableBlob, error) {
	data, err := c.kv.Read(ctx, durableKey)
	if err != nil {
		return nil, err
	}
	var blob durableBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, err
	}
	if blob.Version != SchemaVersion {
		return nil, errors.New("cache schema version mismatch")
	}
	if blob.Entries == nil {
		blob.Entries = map[string]durableEntry{}
	}
	return &blob, nil
}

func (c *Cache) writeBlob(ctx context.Context, blob *durableBlob) error {
	data, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	return c.kv.Write(ctx, durableKey, data)
}
