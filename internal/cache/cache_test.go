package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ledgerkeep/ledgerkeep/internal/audit"
	"github.com/ledgerkeep/ledgerkeep/internal/logging"
	"github.com/ledgerkeep/ledgerkeep/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memKV is an in-memory stand-in for the local store.
type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: map[string][]byte{}}
}

func (m *memKV) Read(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (m *memKV) Write(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func newTestCache(kv store.KV, opts Options) *Cache {
	return New(kv, logging.Discard(), audit.Nop{}, opts)
}

func TestSetThenGet_Immediate(t *testing.T) {
	c := newTestCache(newMemKV(), Options{})
	ctx := context.Background()

	c.Set(ctx, "monthly_total", "v1")

	got, ok := c.Get(ctx, "monthly_total")
	require.True(t, ok)
	assert.Equal(t, "v1", got)
}

func TestGet_DurableTierPromotion(t *testing.T) {
	c := newTestCache(newMemKV(), Options{MemTTL: time.Minute, DurableTTL: 24 * time.Hour})
	ctx := context.Background()

	base := time.Now()
	cur := base
	c.now = func() time.Time { return cur }

	c.Set(ctx, "k", "hello")

	// Past the in-memory TTL but well inside the durable TTL: the durable
	// tier answers and the entry is promoted back into memory.
	cur = base.Add(2 * time.Minute)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "hello", got)

	c.memMu.RLock()
	entry, inMem := c.mem["k"]
	c.memMu.RUnlock()
	require.True(t, inMem)
	assert.Equal(t, cur, entry.writtenAt)

	// Now a plain memory hit.
	got, ok = c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "hello", got)

	s := c.GetStats()
	assert.Equal(t, int64(3), s.Hits)
	assert.Equal(t, int64(0), s.Misses)
}

func TestGet_DurableTTLExpired(t *testing.T) {
	c := newTestCache(newMemKV(), Options{MemTTL: time.Minute, DurableTTL: 24 * time.Hour})
	ctx := context.Background()

	base := time.Now()
	cur := base
	c.now = func() time.Time { return cur }

	c.Set(ctx, "k", "hello")

	cur = base.Add(25 * time.Hour)
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.GetStats().Misses)
}

func TestGet_SchemaVersionMismatchIsAbsence(t *testing.T) {
	kv := newMemKV()
	require.NoError(t, kv.Write(context.Background(), durableKey,
		[]byte(`{"version":"1","entries":{"k":{"data":"\"old\"","timestamp":9999999999999}}}`)))

	c := newTestCache(kv, Options{})
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestEviction_HighWatermark(t *testing.T) {
	c := newTestCache(newMemKV(), Options{})
	ctx := context.Background()

	base := time.Now()
	cur := base
	c.now = func() time.Time { return cur }

	for i := 0; i < 101; i++ {
		cur = base.Add(time.Duration(i) * time.Second)
		c.Set(ctx, fmt.Sprintf("key_%03d", i), i)
	}

	s := c.GetStats()
	assert.Equal(t, int64(20), s.Evictions)
	assert.Equal(t, 81, s.Size)

	// The oldest keys went first.
	c.memMu.RLock()
	_, oldest := c.mem["key_000"]
	_, newest := c.mem["key_100"]
	c.memMu.RUnlock()
	assert.False(t, oldest)
	assert.True(t, newest)
}

func TestConcurrentSets_NoLostUpdate(t *testing.T) {
	kv := newMemKV()
	c := newTestCache(kv, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n == 0 {
				c.Set(ctx, "alpha", "a")
			} else {
				c.Set(ctx, "beta", "b")
			}
		}(i)
	}
	wg.Wait()

	// A fresh cache over the same store sees both durable writes.
	fresh := newTestCache(kv, Options{})
	a, ok := fresh.Get(ctx, "alpha")
	require.True(t, ok)
	assert.Equal(t, "a", a)
	b, ok := fresh.Get(ctx, "beta")
	require.True(t, ok)
	assert.Equal(t, "b", b)
}

func TestHitRateScenario(t *testing.T) {
	c := newTestCache(newMemKV(), Options{})
	ctx := context.Background()

	_, ok := c.Get(ctx, "x")
	require.False(t, ok)

	c.Set(ctx, "x", 1)

	for i := 0; i < 2; i++ {
		v, ok := c.Get(ctx, "x")
		require.True(t, ok)
		assert.Equal(t, 1, v)
	}

	s := c.GetStats()
	assert.InDelta(t, 2.0/3.0, s.HitRate, 1e-9)
}

func TestHitRate_ZeroWhenNoAccesses(t *testing.T) {
	c := newTestCache(newMemKV(), Options{})
	assert.Zero(t, c.GetStats().HitRate)
}

func TestInvalidate_PatternBothTiers(t *testing.T) {
	kv := newMemKV()
	c := newTestCache(kv, Options{})
	ctx := context.Background()

	c.Set(ctx, "report_2024", 1)
	c.Set(ctx, "report_2025", 2)
	c.Set(ctx, "totals", 3)

	c.Invalidate(ctx, "report")

	_, ok := c.Get(ctx, "report_2024")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "report_2025")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "totals")
	assert.True(t, ok)

	// One call, one invalidation, regardless of entries removed.
	assert.Equal(t, int64(1), c.GetStats().Invalidations)

	// Durable tier was purged too.
	fresh := newTestCache(kv, Options{})
	_, ok = fresh.Get(ctx, "report_2024")
	assert.False(t, ok)
}

func TestClearAll_DropsCorruptBlob(t *testing.T) {
	kv := newMemKV()
	ctx := context.Background()
	require.NoError(t, kv.Write(ctx, durableKey, []byte("not json")))

	c := newTestCache(kv, Options{})
	c.ClearAll(ctx)

	_, err := kv.Read(ctx, durableKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, int64(1), c.GetStats().Invalidations)
}
